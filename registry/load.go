package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the YAML representation of a registry.
type File struct {
	IdentityResources []IdentityResource `yaml:"identity_resources"`
	ApiResources      []ApiResource      `yaml:"api_resources"`
	Clients           []Client           `yaml:"clients"`
}

// Load reads and builds a registry from a YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML. Identity resources that list no user
// claims and carry a standard name (openid, profile, email, phone, address)
// are filled in with the standard claim set.
func Parse(data []byte) (*Registry, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}
	return f.Builder().Build()
}

// Builder returns a builder populated with the file's records.
func (f *File) Builder() *Builder {
	b := NewBuilder()
	for _, res := range f.IdentityResources {
		if len(res.UserClaims) == 0 {
			if std, ok := StandardIdentityResource(res.Name); ok {
				if res.DisplayName != "" {
					std.DisplayName = res.DisplayName
				}
				res = std
			}
		}
		b.AddIdentityResource(res)
	}
	for _, res := range f.ApiResources {
		b.AddApiResource(res)
	}
	for _, c := range f.Clients {
		b.AddClient(c)
	}
	return b
}
