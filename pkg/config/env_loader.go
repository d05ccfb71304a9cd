/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/carverauto/fleetpower/pkg/logger"
)

var (
	ErrDstMustBeNonNilPointer   = errors.New("dst must be a non-nil pointer")
	ErrDstMustBePointerToStruct = errors.New("dst must be a pointer to a struct")
)

// EnvConfigLoader maps json tags to upper-cased environment variables,
// joining nested structs with underscores: settings.poll_interval becomes
// FLEETPOWER_SETTINGS_POLL_INTERVAL. <prefix>CONFIG_JSON, when set, holds
// the complete document and wins over individual variables.
type EnvConfigLoader struct {
	logger logger.Logger
	prefix string
}

func NewEnvConfigLoader(log logger.Logger, prefix string) *EnvConfigLoader {
	return &EnvConfigLoader{logger: log, prefix: prefix}
}

func (e *EnvConfigLoader) Load(_ context.Context, _ string, dst interface{}) error {
	if raw := os.Getenv(e.prefix + "CONFIG_JSON"); raw != "" {
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			return fmt.Errorf("failed to unmarshal %sCONFIG_JSON: %w", e.prefix, err)
		}

		e.logger.Info().Msg("Loaded configuration from CONFIG_JSON environment variable")

		return nil
	}

	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return ErrDstMustBeNonNilPointer
	}

	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return ErrDstMustBePointerToStruct
	}

	e.loadStruct(v, e.prefix)

	return nil
}

func (e *EnvConfigLoader) loadStruct(v reflect.Value, prefix string) {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}

		tag := t.Field(i).Tag.Get("json")
		name := strings.Split(tag, ",")[0]

		if name == "" || name == "-" {
			continue
		}

		envName := prefix + strings.ToUpper(strings.ReplaceAll(name, ".", "_"))

		if err := e.setField(field, envName); err != nil {
			// one bad variable must not hide the rest
			e.logger.Warn().Err(err).Str("env", envName).Msg("Ignoring invalid environment value")
		}
	}
}

func (e *EnvConfigLoader) setField(field reflect.Value, envName string) error {
	if isDuration(field.Type()) {
		return setFromEnv(envName, func(raw string) error { return setDuration(field, envName, raw) })
	}

	switch {
	case field.Kind() == reflect.Struct:
		e.loadStruct(field, envName+"_")
		return nil

	case field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct && !isDuration(field.Type().Elem()):
		// optional sections stay nil unless something configures them
		if !hasEnvWithPrefix(envName + "_") {
			return nil
		}

		if field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
		}

		e.loadStruct(field.Elem(), envName+"_")

		return nil

	case field.Kind() == reflect.Ptr:
		return setFromEnv(envName, func(raw string) error {
			elem := reflect.New(field.Type().Elem())
			if err := setScalar(elem.Elem(), envName, raw); err != nil {
				return err
			}

			field.Set(elem)

			return nil
		})
	}

	return setFromEnv(envName, func(raw string) error { return setScalar(field, envName, raw) })
}

func setFromEnv(envName string, set func(raw string) error) error {
	raw, ok := os.LookupEnv(envName)
	if !ok || raw == "" {
		return nil
	}

	return set(raw)
}

func hasEnvWithPrefix(prefix string) bool {
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, prefix) {
			return true
		}
	}

	return false
}

// isDuration matches time.Duration and the named Duration wrappers used in
// config structs, which all take "30s" style values.
func isDuration(t reflect.Type) bool {
	return t == reflect.TypeOf(time.Duration(0)) || (t.Kind() == reflect.Int64 && t.Name() == "Duration")
}

func setDuration(field reflect.Value, envName, raw string) error {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration value for %s: %w", envName, err)
	}

	field.SetInt(int64(d))

	return nil
}

func setScalar(field reflect.Value, envName, raw string) error {
	if isDuration(field.Type()) {
		return setDuration(field, envName, raw)
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)

	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %w", envName, err)
		}

		field.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", envName, err)
		}

		field.SetInt(i)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer value for %s: %w", envName, err)
		}

		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid float value for %s: %w", envName, err)
		}

		field.SetFloat(f)

	case reflect.Slice:
		return setSlice(field, envName, raw)

	default:
		if err := json.Unmarshal([]byte(raw), field.Addr().Interface()); err != nil {
			return fmt.Errorf("unsupported value for %s: %w", envName, err)
		}
	}

	return nil
}

// setSlice accepts comma separated values for string and int slices, JSON otherwise.
func setSlice(field reflect.Value, envName, raw string) error {
	elemKind := field.Type().Elem().Kind()

	if strings.HasPrefix(strings.TrimSpace(raw), "[") || (elemKind != reflect.String && elemKind != reflect.Int) {
		if err := json.Unmarshal([]byte(raw), field.Addr().Interface()); err != nil {
			return fmt.Errorf("invalid slice value for %s: %w", envName, err)
		}

		return nil
	}

	parts := strings.Split(raw, ",")
	slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))

	for i, part := range parts {
		if err := setScalar(slice.Index(i), envName, strings.TrimSpace(part)); err != nil {
			return err
		}
	}

	field.Set(slice)

	return nil
}
