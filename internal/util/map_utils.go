// Package util holds small dependency-free helpers shared across
// components.
package util

// MergeLabelMaps creates a new map containing all items from maps
// passed as parameters. If multiple maps define the same key it is
// overwritten by the last occurrence of the key in the list of maps
// received.
func MergeLabelMaps(maps ...map[string]string) map[string]string {
	result := make(map[string]string)

	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}

	return result
}
