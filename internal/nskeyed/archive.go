// Package nskeyed decodes Apple's NSKeyedArchiver object-graph plist
// format into the typed records this filesystem needs, principally
// MBFile.
package nskeyed

import (
	"fmt"
	"slices"

	"howett.net/plist"
)

const (
	wantVersion  = uint64(100000)
	wantArchiver = "NSKeyedArchiver"
)

// Archive is the decoded envelope of one NSKeyedArchiver blob: the
// $objects table plus enough bookkeeping to dereference UIDs. It is
// passed explicitly to every nested decode helper rather than being held
// in global or task-local state, satisfying the "scoped $objects context"
// contract without any implicit state (spec.md §9; SPEC_FULL.md §5).
type Archive struct {
	objects []any
}

// Decode parses data as an NSKeyedArchive whose root object is an MBFile
// record.
func Decode(data []byte) (*MBFile, error) {
	var raw map[string]any
	if err := plist.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("nskeyed: decode envelope: %w", err)
	}
	for key := range raw {
		switch key {
		case "$version", "$archiver", "$top", "$objects":
		default:
			return nil, fmt.Errorf("nskeyed: envelope has unrecognized field %q", key)
		}
	}

	var envelope struct {
		Version  uint64         `plist:"$version"`
		Archiver string         `plist:"$archiver"`
		Top      map[string]any `plist:"$top"`
		Objects  []any          `plist:"$objects"`
	}
	if err := plist.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("nskeyed: decode envelope: %w", err)
	}
	if envelope.Version != wantVersion {
		return nil, fmt.Errorf("nskeyed: unexpected $version %d", envelope.Version)
	}
	if envelope.Archiver != wantArchiver {
		return nil, fmt.Errorf("nskeyed: unexpected $archiver %q", envelope.Archiver)
	}

	rootRef, ok := envelope.Top["root"]
	if !ok {
		return nil, fmt.Errorf("nskeyed: $top has no root entry")
	}
	rootUID, ok := rootRef.(plist.UID)
	if !ok {
		return nil, fmt.Errorf("nskeyed: $top.root is not a UID reference")
	}

	a := &Archive{objects: envelope.Objects}
	root, err := a.at(uint64(rootUID))
	if err != nil {
		return nil, err
	}
	return decodeMBFile(a, root)
}

func (a *Archive) at(uid uint64) (any, error) {
	if uid >= uint64(len(a.objects)) {
		return nil, fmt.Errorf("nskeyed: object reference %d out of range (table has %d entries)", uid, len(a.objects))
	}
	return a.objects[uid], nil
}

// resolve dereferences v if it is a UID reference, otherwise returns it
// unchanged. Both inline and UID-referenced values must be accepted for
// strings and data per spec.md §4.4.
func (a *Archive) resolve(v any) (any, error) {
	if uid, ok := v.(plist.UID); ok {
		return a.at(uint64(uid))
	}
	return v, nil
}

// verifyClass checks that dict's $class entry resolves to the expected
// $classname and full $classes chain.
func (a *Archive) verifyClass(dict map[string]any, wantName string, wantClasses []string) error {
	classRef, ok := dict["$class"]
	if !ok {
		return fmt.Errorf("nskeyed: object has no $class")
	}
	classVal, err := a.resolve(classRef)
	if err != nil {
		return err
	}
	classDict, ok := classVal.(map[string]any)
	if !ok {
		return fmt.Errorf("nskeyed: $class does not resolve to a dictionary")
	}
	for key := range classDict {
		if key != "$classname" && key != "$classes" {
			return fmt.Errorf("nskeyed: $class dictionary has unrecognized field %q", key)
		}
	}

	name, _ := classDict["$classname"].(string)
	rawClasses, _ := classDict["$classes"].([]any)
	classes := make([]string, len(rawClasses))
	for i, c := range rawClasses {
		s, ok := c.(string)
		if !ok {
			return fmt.Errorf("nskeyed: $classes[%d] is not a string", i)
		}
		classes[i] = s
	}

	if name != wantName || !slices.Equal(classes, wantClasses) {
		return fmt.Errorf("nskeyed: expected class %s %v, got %s %v", wantName, wantClasses, name, classes)
	}
	return nil
}

func (a *Archive) str(v any) (string, error) {
	resolved, err := a.resolve(v)
	if err != nil {
		return "", err
	}
	s, ok := resolved.(string)
	if !ok {
		return "", fmt.Errorf("nskeyed: expected a string, got %T", resolved)
	}
	return s, nil
}

func (a *Archive) data(v any) ([]byte, error) {
	resolved, err := a.resolve(v)
	if err != nil {
		return nil, err
	}
	b, ok := resolved.([]byte)
	if !ok {
		return nil, fmt.Errorf("nskeyed: expected byte data, got %T", resolved)
	}
	return b, nil
}

func asUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int64:
		return uint64(n), nil
	case float64:
		return uint64(n), nil
	default:
		return 0, fmt.Errorf("nskeyed: expected an integer, got %T", v)
	}
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("nskeyed: expected an integer, got %T", v)
	}
}
