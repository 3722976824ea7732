package utils

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerateID(t *testing.T) {
	id := GenerateID()
	id2 := GenerateID()
	if id == id2 {
		t.Error("Generated IDs are not unique")
	}
}

func TestNameToID(t *testing.T) {
	id1 := NameToID("base.vdi")
	id2 := NameToID("base.vdi")
	id3 := NameToID("diff-1.vdi")

	if id1 != id2 {
		t.Errorf("Same name produced different IDs: %s vs %s", id1, id2)
	}
	if id1 == id3 {
		t.Errorf("Different names produced the same ID: %s", id1)
	}
	if id1.Version() != 5 {
		t.Errorf("Expected UUID version 5, got %d", id1.Version())
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expectErr bool
	}{
		{name: "simple", input: "base.vdi", expectErr: false},
		{name: "with dash and underscore", input: "vm_1-disk.vmdk", expectErr: false},
		{name: "empty", input: "", expectErr: true},
		{name: "leading dot", input: ".hidden", expectErr: true},
		{name: "path separator", input: "../etc/passwd", expectErr: true},
		{name: "whitespace", input: "my disk", expectErr: true},
		{name: "too long", input: strings.Repeat("a", 251), expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.expectErr {
				t.Errorf("ValidateName(%q) error = %v, expectErr %v", tt.input, err, tt.expectErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidParameter) {
				t.Errorf("Expected ErrInvalidParameter, got %v", err)
			}
		})
	}
}

func TestValidateControllerName(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expectErr bool
	}{
		{name: "SATA", input: "SATA Controller", expectErr: false},
		{name: "IDE with dash", input: "IDE-Primary", expectErr: false},
		{name: "empty", input: "", expectErr: true},
		{name: "blank", input: "   ", expectErr: true},
		{name: "control character", input: "SATA\x00", expectErr: true},
		{name: "too long", input: strings.Repeat("c", MaxControllerNameLength+1), expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateControllerName(tt.input)
			if (err != nil) != tt.expectErr {
				t.Errorf("ValidateControllerName(%q) error = %v, expectErr %v", tt.input, err, tt.expectErr)
			}
		})
	}
}
