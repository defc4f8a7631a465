// Package config loads service configuration into tagged structs. Values
// are layered, later layers winning:
//
//	envDefault struct tags
//	YAML or JSON file
//	environment variables
//
// Tags:
//
//   - `env:"NAME"` names the variable. On a nested struct the tag becomes
//     a prefix for its fields.
//   - `envDefault:"value"` is applied when the field is still zero.
//   - `required:"true"` fails loading when the field is zero afterwards.
//
// File loading goes through the yaml and json tags.
//
//	cfg := config.MustLoad[auth.Config](
//	    config.New().WithEnvPrefix("AUTHGATE").WithFile("authgate.yaml"),
//	)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

var durationType = reflect.TypeOf(time.Duration(0))

// LookupFunc resolves an environment variable. os.LookupEnv is the default.
type LookupFunc func(key string) (string, bool)

// Loader resolves configuration layers into a struct. It is not safe for
// concurrent use.
type Loader struct {
	envPrefix string
	filePath  string
	lookup    LookupFunc
}

// New returns a Loader that reads unprefixed environment variables only.
func New() *Loader {
	return &Loader{lookup: os.LookupEnv}
}

// WithEnvPrefix prepends prefix and an underscore to every variable name.
// The prefix is uppercased.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile adds a .yaml, .yml or .json file layer. A missing file is
// skipped; paths containing ".." are rejected.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// WithLookup replaces the environment source, mainly for tests and for
// platforms that hand settings over in a map.
func (l *Loader) WithLookup(fn LookupFunc) *Loader {
	if fn != nil {
		l.lookup = fn
	}
	return l
}

// Load fills cfg, which must be a non-nil pointer to a struct, and then
// validates it. Loading failures carry CodeInternalConfiguration; missing
// required fields carry CodeValidationRequired. If cfg implements
// [Validator] its Validate method runs last.
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	root := rv.Elem()

	err := eachField(root, "", "", func(f leaf) error {
		def, ok := f.tag.Lookup("envDefault")
		if !ok || !f.value.IsZero() {
			return nil
		}
		if err := setField(f.value, def); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: bad default for field %q", f.path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}

	lookup := l.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	err = eachField(root, "", l.envPrefix, func(f leaf) error {
		if f.envKey == "" {
			return nil
		}
		raw, ok := lookup(f.envKey)
		if !ok {
			return nil
		}
		if err := setField(f.value, raw); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: cannot set field %q from %s", f.path, f.envKey)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return validate(cfg, root)
}

// MustLoad loads a T or panics. Intended for process start-up.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: file path must not contain \"..\"")
	}

	data, err := os.ReadFile(l.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: read %q", l.filePath)
	}

	var decode func([]byte, any) error
	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		decode = yaml.Unmarshal
	case ".json":
		decode = json.Unmarshal
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"config: unsupported file extension %q", ext)
	}
	if err := decode(data, cfg); err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: parse %q", l.filePath)
	}
	return nil
}

// leaf is a settable non-struct field reached while walking a config struct.
type leaf struct {
	value  reflect.Value
	tag    reflect.StructTag
	path   string
	envKey string
}

// eachField walks rv depth first. Nested structs extend both the dotted
// path and, through their own env tag, the variable prefix.
func eachField(rv reflect.Value, path, prefix string, fn func(leaf) error) error {
	rt := rv.Type()
	for i := range rt.NumField() {
		sf := rt.Field(i)
		fv := rv.Field(i)
		if !fv.CanSet() {
			continue
		}

		name := sf.Name
		if path != "" {
			name = path + "." + sf.Name
		}
		env := sf.Tag.Get("env")

		if fv.Kind() == reflect.Struct && sf.Type != durationType {
			if err := eachField(fv, name, joinEnv(prefix, env), fn); err != nil {
				return err
			}
			continue
		}

		key := ""
		if env != "" {
			key = joinEnv(prefix, env)
		}
		if err := fn(leaf{value: fv, tag: sf.Tag, path: name, envKey: key}); err != nil {
			return err
		}
	}
	return nil
}

func joinEnv(prefix, name string) string {
	switch {
	case name == "":
		return prefix
	case prefix == "":
		return name
	default:
		return prefix + "_" + name
	}
}

// setField parses value into field. Supported kinds are strings (and
// named string types), bool, signed integers, time.Duration and string
// slices, which are comma separated.
func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("parse bool %q: %w", value, err)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("parse integer %q: %w", value, err)
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		var parts []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		// MakeSlice keeps named slice types assignable.
		out := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			out.Index(i).SetString(p)
		}
		field.Set(out)
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
