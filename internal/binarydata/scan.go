package binarydata

import "sort"

// ScanRunData returns every binary reference in runData, walking
// node -> task run -> connection -> batch -> item -> attachment. Map levels
// are visited in key order so the result is stable across calls. Inline-only
// attachments are skipped and duplicates are kept.
func ScanRunData(runData RunData) []string {
	var ids []string
	for _, node := range sortedKeys(runData) {
		for _, task := range runData[node] {
			if task == nil {
				continue
			}
			for _, conn := range sortedKeys(task.Data) {
				for _, batch := range task.Data[conn] {
					ids = appendItemRefs(ids, batch)
				}
			}
		}
	}
	return ids
}

// ScanItems returns the references found in a list of item batches, in the
// same order ScanRunData would produce for them.
func ScanItems(batches [][]*ExecutionItem) []string {
	var ids []string
	for _, batch := range batches {
		ids = appendItemRefs(ids, batch)
	}
	return ids
}

func appendItemRefs(ids []string, batch []*ExecutionItem) []string {
	for _, item := range batch {
		if item == nil {
			continue
		}
		for _, name := range sortedKeys(item.Binary) {
			if bd := item.Binary[name]; bd.HasReference() {
				ids = append(ids, bd.ID)
			}
		}
	}
	return ids
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
