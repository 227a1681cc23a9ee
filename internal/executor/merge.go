package executor

// deepMerge overlays src onto dst: objects merge recursively, arrays
// replace, scalars take the later value. Neither input is mutated.
func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if srcObj, ok := v.(map[string]interface{}); ok {
			if dstObj, ok := out[k].(map[string]interface{}); ok {
				out[k] = deepMerge(dstObj, srcObj)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// mergeLayers folds layers left to right, later layers winning.
func mergeLayers(layers ...map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for _, layer := range layers {
		if layer != nil {
			out = deepMerge(out, layer)
		}
	}
	return out
}
