package nskeyed

import "fmt"

// MBFile is Apple's per-file metadata record, as embedded (one per row)
// in Manifest.db's Files table. Mode, InodeNumber and ProtectionClass are
// parsed even though no operation in this filesystem reads them, so the
// type remains a faithful superset a future reader can extend from
// (SPEC_FULL.md §6).
type MBFile struct {
	Size               uint64
	Birth              uint64
	LastModified       uint64
	LastStatusChange   uint64
	Flags              uint64
	UserID             int64
	GroupID            int64
	Mode               uint64
	InodeNumber        uint64
	ProtectionClass    uint64
	RelativePath       string
	Target             string // symlink target; parsed but unused in reads
	Digest             []byte // 20-byte SHA-1, nil if absent
	EncryptionKey      []byte // 4-byte LE class id + wrapped per-file key, nil if absent
	// ExtendedAttributes values are usually []byte, but the format does
	// not guarantee it; a non-data value is rejected per attribute at
	// getxattr time, not here (spec.md §4.6).
	ExtendedAttributes map[string]any
}

var mbfileClasses = []string{"MBFile", "NSObject"}
var nsMutableDataClasses = []string{"NSMutableData", "NSData", "NSObject"}

// knownMBFileKeys is the full field set the original format's
// deny_unknown_fields serde struct accepts (SPEC_FULL.md §6); any other
// key signals format drift we'd otherwise silently ignore.
var knownMBFileKeys = map[string]bool{
	"$class":             true,
	"Size":               true,
	"Birth":              true,
	"LastModified":       true,
	"LastStatusChange":   true,
	"Flags":              true,
	"UserID":             true,
	"GroupID":            true,
	"Mode":               true,
	"InodeNumber":        true,
	"ProtectionClass":    true,
	"RelativePath":       true,
	"Target":             true,
	"Digest":             true,
	"EncryptionKey":      true,
	"ExtendedAttributes": true,
}

func decodeMBFile(a *Archive, root any) (*MBFile, error) {
	dict, ok := root.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("nskeyed: MBFile root is not a dictionary")
	}
	if err := a.verifyClass(dict, "MBFile", mbfileClasses); err != nil {
		return nil, err
	}

	mb := &MBFile{}
	var err error

	if mb.Size, err = a.uintField(dict, "Size"); err != nil {
		return nil, err
	}
	if mb.Birth, err = a.uintField(dict, "Birth"); err != nil {
		return nil, err
	}
	if mb.LastModified, err = a.uintField(dict, "LastModified"); err != nil {
		return nil, err
	}
	if mb.LastStatusChange, err = a.uintField(dict, "LastStatusChange"); err != nil {
		return nil, err
	}
	if mb.Flags, err = a.uintField(dict, "Flags"); err != nil {
		return nil, err
	}
	if mb.UserID, err = a.intField(dict, "UserID"); err != nil {
		return nil, err
	}
	if mb.GroupID, err = a.intField(dict, "GroupID"); err != nil {
		return nil, err
	}
	mb.Mode, _ = a.optionalUintField(dict, "Mode")
	mb.InodeNumber, _ = a.optionalUintField(dict, "InodeNumber")
	mb.ProtectionClass, _ = a.optionalUintField(dict, "ProtectionClass")

	if mb.RelativePath, err = a.strField(dict, "RelativePath"); err != nil {
		return nil, err
	}
	if raw, ok := dict["Target"]; ok {
		if mb.Target, err = a.str(raw); err != nil {
			return nil, fmt.Errorf("nskeyed: MBFile.Target: %w", err)
		}
	}

	if raw, ok := dict["Digest"]; ok {
		if mb.Digest, err = a.resolveBlob(raw); err != nil {
			return nil, fmt.Errorf("nskeyed: MBFile.Digest: %w", err)
		}
	}
	if raw, ok := dict["EncryptionKey"]; ok {
		if mb.EncryptionKey, err = a.resolveBlob(raw); err != nil {
			return nil, fmt.Errorf("nskeyed: MBFile.EncryptionKey: %w", err)
		}
	}
	if raw, ok := dict["ExtendedAttributes"]; ok {
		blob, err := a.resolveBlob(raw)
		if err != nil {
			return nil, fmt.Errorf("nskeyed: MBFile.ExtendedAttributes: %w", err)
		}
		if mb.ExtendedAttributes, err = decodeExtendedAttributes(blob); err != nil {
			return nil, fmt.Errorf("nskeyed: MBFile.ExtendedAttributes: %w", err)
		}
	}

	for key := range dict {
		if !knownMBFileKeys[key] {
			return nil, fmt.Errorf("nskeyed: MBFile has unrecognized field %q", key)
		}
	}

	return mb, nil
}

func (a *Archive) uintField(dict map[string]any, key string) (uint64, error) {
	raw, ok := dict[key]
	if !ok {
		return 0, fmt.Errorf("nskeyed: MBFile missing required field %s", key)
	}
	resolved, err := a.resolve(raw)
	if err != nil {
		return 0, fmt.Errorf("nskeyed: MBFile.%s: %w", key, err)
	}
	return asUint64(resolved)
}

func (a *Archive) optionalUintField(dict map[string]any, key string) (uint64, bool) {
	raw, ok := dict[key]
	if !ok {
		return 0, false
	}
	resolved, err := a.resolve(raw)
	if err != nil {
		return 0, false
	}
	v, err := asUint64(resolved)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (a *Archive) intField(dict map[string]any, key string) (int64, error) {
	raw, ok := dict[key]
	if !ok {
		return 0, fmt.Errorf("nskeyed: MBFile missing required field %s", key)
	}
	resolved, err := a.resolve(raw)
	if err != nil {
		return 0, fmt.Errorf("nskeyed: MBFile.%s: %w", key, err)
	}
	return asInt64(resolved)
}

func (a *Archive) strField(dict map[string]any, key string) (string, error) {
	raw, ok := dict[key]
	if !ok {
		return "", fmt.Errorf("nskeyed: MBFile missing required field %s", key)
	}
	s, err := a.str(raw)
	if err != nil {
		return "", fmt.Errorf("nskeyed: MBFile.%s: %w", key, err)
	}
	return s, nil
}

// resolveBlob dereferences v and accepts either an inline byte string or
// an NSMutableData-wrapped one (an archived object whose $class is
// NSMutableData and whose "NS.data" field carries the bytes).
func (a *Archive) resolveBlob(v any) ([]byte, error) {
	resolved, err := a.resolve(v)
	if err != nil {
		return nil, err
	}
	if b, ok := resolved.([]byte); ok {
		return b, nil
	}
	dict, ok := resolved.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected byte data or NSMutableData, got %T", resolved)
	}
	if err := a.verifyClass(dict, "NSMutableData", nsMutableDataClasses); err != nil {
		return nil, err
	}
	raw, ok := dict["NS.data"]
	if !ok {
		return nil, fmt.Errorf("NSMutableData has no NS.data field")
	}
	return a.data(raw)
}
