// Copyright (c) 2024-2026 The Craftlist developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package unittest

import (
	"reflect"

	"github.com/pkg/errors"
)

// TestGenericConstMap verifies that a map keyed by an integer constant type
// has consecutive keys starting at zero and that every constant up to
// lastCode has a human readable entry. This function is for unit tests only.
func TestGenericConstMap(codesMap interface{}, lastCode uint64) error {
	if reflect.TypeOf(codesMap).Kind() != reflect.Map {
		return errors.Errorf("codesMap not a map: %T", codesMap)
	}
	val := reflect.ValueOf(codesMap)

	leftover := make(map[uint64]struct{}, len(val.MapKeys()))
	for i := uint64(0); i < uint64(len(val.MapKeys())); i++ {
		leftover[i] = struct{}{}
	}
	for _, mapKey := range val.MapKeys() {
		var key uint64
		switch mapKey.Kind() {
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32,
			reflect.Uint64:
			key = mapKey.Uint()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32,
			reflect.Int64:
			key = uint64(mapKey.Int())
		default:
			return errors.Errorf("unsupported key type: %v",
				mapKey.Kind())
		}
		delete(leftover, key)
	}
	if len(leftover) != 0 {
		return errors.Errorf("leftover length not 0: %v", leftover)
	}
	if len(val.MapKeys()) != int(lastCode) {
		return errors.Errorf("someone added a code without adding a "+
			"human readable description. Got %v, want %v",
			len(val.MapKeys()), lastCode)
	}

	return nil
}
