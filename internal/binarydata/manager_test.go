package binarydata

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, active string, backends map[string]*fakeBackend) *Manager {
	t.Helper()
	modes := make([]string, 0, len(backends))
	for mode := range backends {
		modes = append(modes, mode)
	}
	m := NewManager(Config{Mode: active, AvailableModes: modes}, registryWith(backends))
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestParseModes(t *testing.T) {
	require.Equal(t, []string{"filesystem", "s3"}, ParseModes(" filesystem, ,s3,filesystem"))
	require.Empty(t, ParseModes(""))
}

func TestInitTwiceIsRejected(t *testing.T) {
	fs := newFakeBackend()
	m := NewManager(Config{Mode: "filesystem", AvailableModes: []string{"filesystem"}},
		registryWith(map[string]*fakeBackend{"filesystem": fs}))

	require.NoError(t, m.Init(context.Background()))
	err := m.Init(context.Background())
	require.ErrorIs(t, err, ErrAlreadyInitialized)
	require.Equal(t, 1, fs.initCalls)
	require.Equal(t, []string{"filesystem"}, m.EnabledModes())
	require.Equal(t, "filesystem", m.ActiveMode())
}

func TestConcurrentInitSucceedsOnce(t *testing.T) {
	fs := newFakeBackend()
	m := NewManager(Config{Mode: "filesystem", AvailableModes: []string{"filesystem"}},
		registryWith(map[string]*fakeBackend{"filesystem": fs}))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Init(context.Background())
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, ErrAlreadyInitialized)
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, fs.initCalls)
}

func TestOperationsRequireInit(t *testing.T) {
	m := NewManager(Config{}, NewRegistry())
	ctx := context.Background()

	_, err := m.StoreBinaryData(ctx, &BinaryData{}, []byte("x"))
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.RetrieveBinaryData(ctx, &BinaryData{Data: "eA=="})
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.RetrieveByIdentifier(ctx, "filesystem:x")
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.DeleteForRunData(ctx, RunData{})
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.DeleteForExecutionBatch(ctx, nil)
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = m.DuplicateExecutionInput(ctx, nil)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitFailsForUnregisteredMode(t *testing.T) {
	fs := newFakeBackend()
	m := NewManager(Config{Mode: "filesystem", AvailableModes: []string{"filesystem", "ftp"}},
		registryWith(map[string]*fakeBackend{"filesystem": fs}))

	err := m.Init(context.Background())
	require.ErrorIs(t, err, ErrUnknownMode)
	require.True(t, fs.closed)

	_, err = m.RetrieveByIdentifier(context.Background(), "filesystem:k1")
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitFailsWhenBackendInitFails(t *testing.T) {
	fs := newFakeBackend()
	fs.initErr = errors.New("permission denied")
	m := NewManager(Config{Mode: "filesystem", AvailableModes: []string{"filesystem"}},
		registryWith(map[string]*fakeBackend{"filesystem": fs}))

	err := m.Init(context.Background())
	require.ErrorContains(t, err, "permission denied")
	require.True(t, fs.closed)
}

func TestStoreAndRetrieveWithBackend(t *testing.T) {
	fs := newFakeBackend()
	m := newTestManager(t, "filesystem", map[string]*fakeBackend{"filesystem": fs})
	ctx := context.Background()

	bd, err := m.StoreBinaryData(ctx, &BinaryData{MimeType: "text/plain"}, []byte("ABCD"))
	require.NoError(t, err)
	require.Empty(t, bd.Data)
	require.Equal(t, "text/plain", bd.MimeType)
	mode, _ := DecodeID(bd.ID)
	require.Equal(t, "filesystem", mode)
	require.Equal(t, 1, fs.storeCalls)

	out, err := m.RetrieveBinaryData(ctx, bd)
	require.NoError(t, err)
	require.Equal(t, []byte("ABCD"), out)
}

func TestStoreInlineWithoutBackend(t *testing.T) {
	m := newTestManager(t, InlineMode, map[string]*fakeBackend{})
	ctx := context.Background()

	bd, err := m.StoreBinaryData(ctx, nil, []byte("XY"))
	require.NoError(t, err)
	require.Empty(t, bd.ID)
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte("XY")), bd.Data)

	out, err := m.RetrieveBinaryData(ctx, bd)
	require.NoError(t, err)
	require.Equal(t, []byte("XY"), out)
}

func TestRoundTripAcrossModes(t *testing.T) {
	backends := map[string]*fakeBackend{"filesystem": newFakeBackend(), "s3": newFakeBackend()}
	m := newTestManager(t, InlineMode, backends)
	ctx := context.Background()

	payloads := [][]byte{{}, []byte("a"), []byte("hello world"), {0x00, 0xff, 0x10, 0x80}}
	for _, mode := range []string{InlineMode, "filesystem", "s3"} {
		m.SetActiveMode(mode)
		for _, p := range payloads {
			bd, err := m.StoreBinaryData(ctx, &BinaryData{}, p)
			require.NoError(t, err)
			out, err := m.RetrieveBinaryData(ctx, bd)
			require.NoError(t, err)
			require.Equal(t, string(p), string(out), "mode=%s", mode)
		}
	}
}

func TestRetrieveResolvesByDecodedMode(t *testing.T) {
	fs := newFakeBackend()
	m := newTestManager(t, "filesystem", map[string]*fakeBackend{"filesystem": fs})
	ctx := context.Background()

	bd, err := m.StoreBinaryData(ctx, &BinaryData{}, []byte("kept"))
	require.NoError(t, err)

	m.SetActiveMode(InlineMode)
	out, err := m.RetrieveBinaryData(ctx, bd)
	require.NoError(t, err)
	require.Equal(t, []byte("kept"), out)
}

func TestRetrieveUnknownModeIsUnavailable(t *testing.T) {
	m := newTestManager(t, "filesystem", map[string]*fakeBackend{"filesystem": newFakeBackend()})
	ctx := context.Background()

	_, err := m.RetrieveByIdentifier(ctx, "s3:abc")
	require.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = m.RetrieveByIdentifier(ctx, "garbage")
	require.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestRetrieveSurfacesBackendErrors(t *testing.T) {
	fs := newFakeBackend()
	m := newTestManager(t, "filesystem", map[string]*fakeBackend{"filesystem": fs})

	_, err := m.RetrieveByIdentifier(context.Background(), "filesystem:missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteForRunDataMarksEachKeyOnce(t *testing.T) {
	fs := newFakeBackend()
	m := newTestManager(t, "filesystem", map[string]*fakeBackend{"filesystem": fs})

	rd := RunData{
		"A": {{Data: map[string][][]*ExecutionItem{"main": {{refItem(map[string]string{"data": "filesystem:abc"})}}}}},
		"B": {{Data: map[string][][]*ExecutionItem{"main": {{refItem(map[string]string{"data": "filesystem:abc"})}}}}},
	}
	report, err := m.DeleteForRunData(context.Background(), rd)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"abc"}}, fs.markCalls)
	require.Equal(t, 1, fs.marked["abc"])
	require.Equal(t, 1, report.Counts()[StatusMarked])
}

func TestDeleteForRunDataGroupsByMode(t *testing.T) {
	fs, s3 := newFakeBackend(), newFakeBackend()
	m := newTestManager(t, "filesystem", map[string]*fakeBackend{"filesystem": fs, "s3": s3})

	report, err := m.DeleteForRunData(context.Background(), sampleRunData())
	require.NoError(t, err)
	require.Equal(t, [][]string{{"a", "b", "c"}}, fs.markCalls)
	require.Equal(t, [][]string{{"d"}}, s3.markCalls)

	counts := report.Counts()
	require.Equal(t, 4, counts[StatusMarked])
	require.Equal(t, 1, counts[StatusSkipped]) // redis:e
}

func TestDeleteForRunDataNoopWithoutActiveBackend(t *testing.T) {
	fs := newFakeBackend()
	m := newTestManager(t, InlineMode, map[string]*fakeBackend{"filesystem": fs})

	report, err := m.DeleteForRunData(context.Background(), sampleRunData())
	require.NoError(t, err)
	require.Empty(t, report.Results)
	require.Empty(t, fs.markCalls)
}

func TestDeleteForRunDataRecordsMarkFailure(t *testing.T) {
	fs := newFakeBackend()
	fs.failMark = true
	m := newTestManager(t, "filesystem", map[string]*fakeBackend{"filesystem": fs})

	report, err := m.DeleteForRunData(context.Background(), sampleRunData())
	require.NoError(t, err)
	require.Len(t, report.Failed(), 3)
}

func executionRecord(id string, refs ...string) ExecutionRecord {
	items := ""
	for i, ref := range refs {
		if i > 0 {
			items += ","
		}
		items += fmt.Sprintf(`{"json":{},"binary":{"data":{"id":%q}}}`, ref)
	}
	blob := fmt.Sprintf(`{"resultData":{"runData":{"Node":[{"data":{"main":[[%s]]}}]}}}`, items)
	return ExecutionRecord{ID: id, Data: []byte(blob)}
}

func TestDeleteForExecutionBatchIsBestEffort(t *testing.T) {
	fs := newFakeBackend()
	m := newTestManager(t, "filesystem", map[string]*fakeBackend{"filesystem": fs})
	ctx := context.Background()

	var ids []string
	for _, p := range []string{"one", "two", "three"} {
		bd, err := m.StoreBinaryData(ctx, &BinaryData{}, []byte(p))
		require.NoError(t, err)
		ids = append(ids, bd.ID)
	}
	_, brokenKey := DecodeID(ids[1])
	fs.failDelete[brokenKey] = true

	report, err := m.DeleteForExecutionBatch(ctx, []ExecutionRecord{
		executionRecord("1", ids[0], "s3:elsewhere"),
		{ID: "2", Data: []byte("not json")},
		executionRecord("3", ids[1], ids[2], ids[0]),
	})
	require.NoError(t, err)

	counts := report.Counts()
	assert.Equal(t, 2, counts[StatusDeleted])
	assert.Equal(t, 1, counts[StatusFailed])
	assert.Equal(t, 1, counts[StatusSkipped])
	assert.Contains(t, report.DecodeErrors, "2")

	for i, id := range ids {
		_, key := DecodeID(id)
		require.Equal(t, i == 1, fs.has(key), id)
	}
}

func TestDeleteForExecutionBatchReadsFlattedRecords(t *testing.T) {
	fs := newFakeBackend()
	m := newTestManager(t, "filesystem", map[string]*fakeBackend{"filesystem": fs})
	ctx := context.Background()

	bd, err := m.StoreBinaryData(ctx, &BinaryData{}, []byte("flat"))
	require.NoError(t, err)
	_, key := DecodeID(bd.ID)

	flat := fmt.Sprintf(`[{"resultData":"1"},{"runData":"2"},{"Node":"3"},["4"],{"data":"5"},`+
		`{"main":"6"},["7"],["8"],{"json":"9","binary":"10"},{},{"data":"11"},{"id":"12"},%q]`, bd.ID)
	report, err := m.DeleteForExecutionBatch(ctx, []ExecutionRecord{
		{ID: "flat", Data: []byte(flat)},
		{ID: "array", Data: []byte(`[{"resultData":"1"},"filesystem:abc"]`)},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Counts()[StatusDeleted])
	assert.False(t, fs.has(key))
	assert.Contains(t, report.DecodeErrors, "array")
	assert.NotContains(t, report.DecodeErrors, "flat")
}

func TestDeleteForExecutionBatchWithoutBackends(t *testing.T) {
	m := newTestManager(t, InlineMode, map[string]*fakeBackend{})
	report, err := m.DeleteForExecutionBatch(context.Background(), []ExecutionRecord{executionRecord("1", "filesystem:x")})
	require.NoError(t, err)
	require.Empty(t, report.Results)
}

func TestDuplicateExecutionInputIndependentCopies(t *testing.T) {
	fs := newFakeBackend()
	m := newTestManager(t, "filesystem", map[string]*fakeBackend{"filesystem": fs})
	ctx := context.Background()

	bd, err := m.StoreBinaryData(ctx, &BinaryData{FileName: "a.bin"}, []byte("payload"))
	require.NoError(t, err)
	original := bd.ID

	plain := &ExecutionItem{JSON: map[string]any{"n": 1}}
	withBinary := &ExecutionItem{
		JSON: map[string]any{"n": 2},
		Binary: map[string]*BinaryData{
			"data":   bd,
			"inline": {Data: "aGk="},
		},
	}
	input := [][]*ExecutionItem{{plain, withBinary}, nil}

	out, err := m.DuplicateExecutionInput(ctx, input)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Nil(t, out[1])
	require.Same(t, plain, out[0][0])
	require.NotSame(t, withBinary, out[0][1])

	dup := out[0][1].Binary["data"]
	require.NotEqual(t, original, dup.ID)
	require.Equal(t, "a.bin", dup.FileName)
	require.Equal(t, "aGk=", out[0][1].Binary["inline"].Data)
	require.Equal(t, original, withBinary.Binary["data"].ID, "input must not be mutated")

	// deleting one copy leaves the other readable, both ways
	_, err = m.DeleteForExecutionBatch(ctx, []ExecutionRecord{executionRecord("x", original)})
	require.NoError(t, err)
	got, err := m.RetrieveByIdentifier(ctx, dup.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
	_, err = m.RetrieveByIdentifier(ctx, original)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateExecutionInputPassThrough(t *testing.T) {
	fs := newFakeBackend()
	m := newTestManager(t, InlineMode, map[string]*fakeBackend{"filesystem": fs})

	item := &ExecutionItem{Binary: map[string]*BinaryData{"data": {ID: "filesystem:k1"}}}
	input := [][]*ExecutionItem{{item}}
	out, err := m.DuplicateExecutionInput(context.Background(), input)
	require.NoError(t, err)
	require.Same(t, item, out[0][0])
	require.Zero(t, fs.duplicateCalls)

	out, err = m.DuplicateExecutionInput(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestDuplicateExecutionInputKeepsReferenceOnFailure(t *testing.T) {
	fs := newFakeBackend()
	fs.failDup = true
	m := newTestManager(t, "filesystem", map[string]*fakeBackend{"filesystem": fs})

	item := &ExecutionItem{Binary: map[string]*BinaryData{
		"data":  {ID: "filesystem:k9"},
		"other": {ID: "s3:unknown"},
	}}
	out, err := m.DuplicateExecutionInput(context.Background(), [][]*ExecutionItem{{item}})
	require.NoError(t, err)
	require.Equal(t, "filesystem:k9", out[0][0].Binary["data"].ID)
	require.Equal(t, "s3:unknown", out[0][0].Binary["other"].ID)
	require.Equal(t, 1, fs.duplicateCalls)
}

func TestCloseClosesBackends(t *testing.T) {
	fs, s3 := newFakeBackend(), newFakeBackend()
	m := NewManager(Config{Mode: "s3", AvailableModes: []string{"filesystem", "s3", InlineMode}},
		registryWith(map[string]*fakeBackend{"filesystem": fs, "s3": s3}))
	require.NoError(t, m.Init(context.Background()))
	require.NoError(t, m.Close())
	require.True(t, fs.closed)
	require.True(t, s3.closed)
}

func TestRegistryRejectsInlineMode(t *testing.T) {
	reg := NewRegistry()
	require.Panics(t, func() {
		reg.Register(InlineMode, func(context.Context) (Backend, error) { return nil, nil })
	})
	reg.Register("memory", func(context.Context) (Backend, error) { return newFakeBackend(), nil })
	require.Panics(t, func() {
		reg.Register("memory", func(context.Context) (Backend, error) { return newFakeBackend(), nil })
	})
	require.Equal(t, []string{"memory"}, reg.Modes())
}
