package config

// Merge returns overlay folded onto base. Keys in overlay win; when both sides
// hold a map under the same key the maps are merged recursively. Neither
// argument is modified.
func Merge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = clone(v)
	}
	for k, v := range overlay {
		if ov, ok := v.(map[string]any); ok {
			if bv, ok := out[k].(map[string]any); ok {
				out[k] = Merge(bv, ov)
				continue
			}
		}
		out[k] = clone(v)
	}
	return out
}

func clone(v any) any {
	if m, ok := v.(map[string]any); ok {
		return Merge(nil, m)
	}
	return v
}
