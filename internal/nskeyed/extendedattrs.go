package nskeyed

import "howett.net/plist"

// decodeExtendedAttributes parses the nested plist carried in an MBFile's
// ExtendedAttributes blob: a flat dictionary keyed by attribute name.
// Values are ordinarily byte strings, but the format does not guarantee
// that — a nested number, array, or dictionary is possible and must
// surface as a per-attribute EIO at getxattr time (spec.md §4.6), not as
// a decode-time failure that would abort ingestion of every other file
// in the backup. So the value is kept as the decoded interface{} here;
// the []byte check happens in the caller, per attribute, per call.
func decodeExtendedAttributes(blob []byte) (map[string]any, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var raw map[string]any
	if err := plist.Unmarshal(blob, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
