package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/encodeous/meshbridge/state"
	"github.com/manifoldco/promptui"
)

func promptDefaultStr(label string, def string, validateFunc promptui.ValidateFunc) (string, error) {
	prompt := promptui.Prompt{
		Label:     label,
		Default:   def,
		AllowEdit: true,
		Validate:  validateFunc,
	}
	return prompt.Run()
}

func promptYN(prefix string, def bool) bool {
	choose := promptui.Select{
		Label:     prefix,
		Items:     []string{"Yes", "No"},
		Size:      2,
		CursorPos: 0,
	}
	if !def {
		choose.CursorPos = 1
	}
	run, _, err := choose.Run()
	if err != nil {
		return false
	}
	return run == 0
}

func promptChoice(label string, items []string) (string, error) {
	choose := promptui.Select{
		Label: label,
		Items: items,
		Size:  len(items),
	}
	_, val, err := choose.Run()
	return val, err
}

func promptBackend(idx int) (state.BackendCfg, error) {
	var b state.BackendCfg
	defId := "radio"
	if idx > 0 {
		defId = "companion"
	}
	id, err := promptDefaultStr("backend id", defId, state.NameValidator)
	if err != nil {
		return b, err
	}
	b.Id = state.BackendId(id)

	proto, err := promptChoice("protocol", []string{string(state.ProtoMeshtastic), string(state.ProtoMeshCore)})
	if err != nil {
		return b, err
	}
	b.Protocol = state.Protocol(proto)

	transport, err := promptChoice("transport", []string{"serial", "tcp"})
	if err != nil {
		return b, err
	}
	if transport == "serial" {
		b.Serial, err = promptDefaultStr("device path", "/dev/ttyUSB0", nonEmpty)
	} else {
		b.Tcp, err = promptDefaultStr("host:port", "192.168.1.20:4403", nonEmpty)
	}
	if err != nil {
		return b, err
	}
	return b, state.BackendValidator(idx, b)
}

func nonEmpty(s string) error {
	if s == "" {
		return errors.New("value is required")
	}
	return nil
}

// safeSavePath asks where to save a file, confirming before an existing file is overwritten.
func safeSavePath(path string, name string) (string, error) {
	for {
		path, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		fmt.Printf("Where do you want to save the %s?\n", name)
		path, err = promptDefaultStr("path", path, nonEmpty)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("Warning: %s file already exists: %s, do you want to overwrite it?\n", name, path)
			if !promptYN("Overwrite?", false) {
				continue
			}
		}
		return path, nil
	}
}
