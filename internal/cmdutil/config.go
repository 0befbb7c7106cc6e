package cmdutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// LoadConfig decodes the YAML file at filename into v. Unknown fields are
// rejected and an empty file leaves v untouched. filename may start with ~.
func LoadConfig(filename string, v interface{}) error {
	path, err := homedir.Expand(filename)
	if err != nil {
		return fmt.Errorf("invalid config file path: %w", err)
	}
	bb, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(bb))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// ApplyConfigFile loads filename into v after fs has been parsed. Flags
// which were set explicitly on the command line keep precedence over the
// values from the file.
func ApplyConfigFile(fs *pflag.FlagSet, filename string, v interface{}) error {
	explicit := map[string]string{}
	fs.Visit(func(f *pflag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	if err := LoadConfig(filename, v); err != nil {
		return err
	}

	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("reapplying flag --%s: %w", name, err)
		}
	}
	return nil
}

// ExpandPaths runs homedir.Expand on every non-empty path in place.
func ExpandPaths(paths ...*string) error {
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expanding %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}
