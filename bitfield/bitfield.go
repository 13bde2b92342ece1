// Package bitfield packs and unpacks struct fields into integers using
// struct tags. Adapted from the reference kernel's own bitfield helper,
// which in turn is a simplified version of
// golang.org/x/text/internal/gen/bitfield.
package bitfield

import (
	"fmt"
	"reflect"
)

// Config determines settings for packing and unpacking.
type Config struct {
	// NumBits caps the allowed width of the packed representation.
	NumBits uint
}

// Pack packs the tagged fields of x (a struct or pointer to struct)
// into an integer. Only fields with a "bitfield:\",<bits>\"" tag are
// packed; fields are placed in declaration order starting at bit 0.
func Pack(x interface{}, c *Config) (packed uint64, err error) {
	if c == nil {
		c = &Config{NumBits: 64}
	}

	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("bitfield: Pack: expected struct, got %v", v.Kind())
	}

	t := v.Type()
	var bitOffset uint

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("bitfield")
		if tag == "" {
			continue
		}

		var bits uint
		if _, err := fmt.Sscanf(tag, ",%d", &bits); err != nil {
			return 0, fmt.Errorf("bitfield: Pack: invalid tag %q on field %s", tag, field.Name)
		}
		if bits == 0 {
			continue
		}

		fieldValue := v.Field(i)
		var fieldBits uint64
		switch fieldValue.Kind() {
		case reflect.Bool:
			if fieldValue.Bool() {
				fieldBits = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldBits = fieldValue.Uint()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			val := fieldValue.Int()
			if val < 0 {
				return 0, fmt.Errorf("bitfield: Pack: negative value %d for field %s", val, field.Name)
			}
			fieldBits = uint64(val)
		default:
			return 0, fmt.Errorf("bitfield: Pack: unsupported field type %v for field %s", fieldValue.Kind(), field.Name)
		}

		maxValue := uint64(1)<<bits - 1
		if fieldBits > maxValue {
			return 0, fmt.Errorf("bitfield: Pack: value %d exceeds %d bits for field %s", fieldBits, bits, field.Name)
		}

		packed |= fieldBits << bitOffset
		bitOffset += bits
	}

	if c.NumBits > 0 && bitOffset > c.NumBits {
		return 0, fmt.Errorf("bitfield: Pack: total bits %d exceeds NumBits %d", bitOffset, c.NumBits)
	}
	return packed, nil
}

// Unpack is the inverse of Pack: it writes the tagged fields of dst (a
// pointer to struct) from packed, reading the same "bitfield:\",<bits>\""
// tags in declaration order.
func Unpack(packed uint64, dst interface{}) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("bitfield: Unpack: expected pointer to struct, got %v", v.Kind())
	}
	v = v.Elem()
	t := v.Type()
	var bitOffset uint

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("bitfield")
		if tag == "" {
			continue
		}

		var bits uint
		if _, err := fmt.Sscanf(tag, ",%d", &bits); err != nil {
			return fmt.Errorf("bitfield: Unpack: invalid tag %q on field %s", tag, field.Name)
		}
		if bits == 0 {
			continue
		}

		mask := uint64(1)<<bits - 1
		raw := (packed >> bitOffset) & mask
		bitOffset += bits

		fieldValue := v.Field(i)
		if !fieldValue.CanSet() {
			continue
		}
		switch fieldValue.Kind() {
		case reflect.Bool:
			fieldValue.SetBool(raw != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldValue.SetUint(raw)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			fieldValue.SetInt(int64(raw))
		default:
			return fmt.Errorf("bitfield: Unpack: unsupported field type %v for field %s", fieldValue.Kind(), field.Name)
		}
	}
	return nil
}
