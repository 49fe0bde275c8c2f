// Package bitfield packs and unpacks struct fields into integers. Fields are
// laid out from the least significant bit upwards in declaration order; only
// fields with a `bitfield:",N"` tag take part.
package bitfield

import (
	"fmt"
	"reflect"
)

// Config determines settings for packing.
type Config struct {
	// NumBits fixes the maximum allowed bits for the integer representation.
	NumBits uint
}

type field struct {
	index  int
	name   string
	bits   uint
	offset uint
}

func fields(t reflect.Type) ([]field, uint, error) {
	var out []field
	var offset uint
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("bitfield")
		if tag == "" {
			continue
		}

		var bits uint
		if _, err := fmt.Sscanf(tag, ",%d", &bits); err != nil {
			return nil, 0, fmt.Errorf(
				"invalid bitfield tag %q on field %s",
				tag,
				f.Name,
			)
		}
		if bits == 0 {
			continue
		}
		if bits > 64 {
			return nil, 0, fmt.Errorf(
				"field %s: %d bits exceeds 64",
				f.Name,
				bits,
			)
		}

		out = append(out, field{index: i, name: f.Name, bits: bits, offset: offset})
		offset += bits
	}
	return out, offset, nil
}

func mask(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (1 << bits) - 1
}

// Pack packs annotated bit ranges of struct x into an integer.
func Pack(x interface{}, c *Config) (uint64, error) {
	if c == nil {
		c = &Config{NumBits: 64}
	}

	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("Pack: expected struct, got %v", v.Kind())
	}

	fs, total, err := fields(v.Type())
	if err != nil {
		return 0, fmt.Errorf("Pack: %w", err)
	}
	if c.NumBits > 0 && total > c.NumBits {
		return 0, fmt.Errorf(
			"Pack: total bits %d exceeds NumBits %d",
			total,
			c.NumBits,
		)
	}

	var packed uint64
	for _, f := range fs {
		fv := v.Field(f.index)
		var bits uint64
		switch fv.Kind() {
		case reflect.Bool:
			if fv.Bool() {
				bits = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			bits = fv.Uint()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if fv.Int() < 0 {
				return 0, fmt.Errorf(
					"Pack: negative value %d for field %s",
					fv.Int(),
					f.name,
				)
			}
			bits = uint64(fv.Int())
		default:
			return 0, fmt.Errorf(
				"Pack: unsupported field type %v for field %s",
				fv.Kind(),
				f.name,
			)
		}

		if bits > mask(f.bits) {
			return 0, fmt.Errorf(
				"Pack: value %d exceeds %d bits for field %s",
				bits,
				f.bits,
				f.name,
			)
		}
		packed |= bits << f.offset
	}

	return packed, nil
}

// Unpack is the inverse of Pack. x must be a pointer to a struct.
func Unpack(packed uint64, x interface{}) error {
	v := reflect.ValueOf(x)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("Unpack: expected pointer to struct, got %T", x)
	}
	v = v.Elem()

	fs, _, err := fields(v.Type())
	if err != nil {
		return fmt.Errorf("Unpack: %w", err)
	}

	for _, f := range fs {
		bits := (packed >> f.offset) & mask(f.bits)
		fv := v.Field(f.index)
		switch fv.Kind() {
		case reflect.Bool:
			fv.SetBool(bits != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fv.SetUint(bits)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			fv.SetInt(int64(bits))
		default:
			return fmt.Errorf(
				"Unpack: unsupported field type %v for field %s",
				fv.Kind(),
				f.name,
			)
		}
	}
	return nil
}
