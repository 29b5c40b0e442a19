package binarydata

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
)

const runDataPath = "resultData.runData"

// DecodeExecutionData extracts the run data tree from a serialized execution
// record, stored either as a plain JSON object or in the flatted format (a
// top-level array). Records without run data decode to an empty tree; any
// other root is an error so callers never mistake unreadable data for an
// execution without binaries.
func DecodeExecutionData(blob []byte) (RunData, error) {
	if !gjson.ValidBytes(blob) {
		return nil, fmt.Errorf("execution data is not valid json")
	}
	root := gjson.ParseBytes(blob)
	switch {
	case root.IsObject():
		return decodePlainExecutionData(blob)
	case root.IsArray():
		return decodeFlattedExecutionData(blob)
	default:
		return nil, fmt.Errorf("execution data: expected object or flatted array, got %s", root.Type)
	}
}

func decodePlainExecutionData(blob []byte) (RunData, error) {
	res := gjson.GetBytes(blob, runDataPath)
	if !res.Exists() || res.Type == gjson.Null {
		return RunData{}, nil
	}
	if !res.IsObject() {
		return nil, fmt.Errorf("%s: expected object, got %s", runDataPath, res.Type)
	}
	var runData RunData
	if err := sonic.UnmarshalString(res.Raw, &runData); err != nil {
		return nil, fmt.Errorf("decode %s: %w", runDataPath, err)
	}
	return runData, nil
}

func decodeFlattedExecutionData(blob []byte) (RunData, error) {
	revived, err := unflatten(blob)
	if err != nil {
		return nil, err
	}
	root, ok := revived.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("execution data: flatted root is %T, expected object", revived)
	}
	var raw any
	if resultData, ok := root["resultData"].(map[string]any); ok {
		raw = resultData["runData"]
	} else if root["resultData"] != nil {
		return nil, fmt.Errorf("resultData: expected object, got %T", root["resultData"])
	}
	if raw == nil {
		return RunData{}, nil
	}
	if _, ok := raw.(map[string]any); !ok {
		return nil, fmt.Errorf("%s: expected object, got %T", runDataPath, raw)
	}
	encoded, err := flattedAPI.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", runDataPath, err)
	}
	var runData RunData
	if err := sonic.Unmarshal(encoded, &runData); err != nil {
		return nil, fmt.Errorf("decode %s: %w", runDataPath, err)
	}
	return runData, nil
}
