package binarydata

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"blobkeeper/internal/logger"
)

const defaultMaxConcurrency = 16

// Config selects the active mode and the modes whose backends are built.
type Config struct {
	Mode           string
	AvailableModes []string
}

// ParseModes splits a comma separated mode list, dropping blanks and repeats.
func ParseModes(csv string) []string {
	seen := map[string]bool{}
	var out []string
	for _, raw := range strings.Split(csv, ",") {
		mode := strings.TrimSpace(raw)
		if mode == "" || seen[mode] {
			continue
		}
		seen[mode] = true
		out = append(out, mode)
	}
	return out
}

// Manager dispatches binary data operations to the backend of each
// identifier's mode. It is built by the composition root and must be
// initialized once with Init before use.
type Manager struct {
	cfg            Config
	registry       *Registry
	logger         logger.Logger
	registerer     prometheus.Registerer
	maxConcurrency int

	initMu      sync.Mutex
	initialized atomic.Bool
	activeMode  atomic.Pointer[string]

	// read-only once initialized is set
	backends map[string]Backend
	metrics  *metrics
}

type ManagerOption func(*Manager)

func WithLogger(l logger.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithRegisterer sets where the manager's prometheus collectors are
// registered. Defaults to a private registry.
func WithRegisterer(reg prometheus.Registerer) ManagerOption {
	return func(m *Manager) {
		m.registerer = reg
	}
}

// WithMaxConcurrency bounds the fan-out of bulk delete and duplicate calls.
func WithMaxConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxConcurrency = n
		}
	}
}

func NewManager(cfg Config, registry *Registry, opts ...ManagerOption) *Manager {
	mode := strings.TrimSpace(cfg.Mode)
	if mode == "" {
		mode = InlineMode
	}
	cfg.Mode = mode
	cfg.AvailableModes = append([]string(nil), cfg.AvailableModes...)

	m := &Manager{
		cfg:            cfg,
		registry:       registry,
		logger:         logger.NewNoopLogger(),
		maxConcurrency: defaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registerer == nil {
		m.registerer = prometheus.NewRegistry()
	}
	m.activeMode.Store(&mode)
	return m
}

// Init builds and initializes a backend for every enabled mode except the
// inline one. A second call returns ErrAlreadyInitialized and leaves the
// existing state untouched. If any backend fails, the ones already built are
// closed and the manager stays uninitialized.
func (m *Manager) Init(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.initialized.Load() {
		return ErrAlreadyInitialized
	}

	backends := make(map[string]Backend, len(m.cfg.AvailableModes))
	for _, mode := range m.cfg.AvailableModes {
		if mode == InlineMode {
			continue
		}
		if _, dup := backends[mode]; dup {
			continue
		}
		factory, ok := m.registry.lookup(mode)
		if !ok {
			closeBackends(backends)
			return fmt.Errorf("%w: %s", ErrUnknownMode, mode)
		}
		b, err := factory(ctx)
		if err != nil {
			closeBackends(backends)
			return fmt.Errorf("create %s backend: %w", mode, err)
		}
		if err := b.Init(ctx); err != nil {
			_ = b.Close()
			closeBackends(backends)
			return fmt.Errorf("init %s backend: %w", mode, err)
		}
		backends[mode] = b
	}

	if m.metrics == nil {
		m.metrics = newMetrics(m.registerer)
	}
	m.backends = backends
	m.initialized.Store(true)
	m.logger.Info("binary data manager initialized",
		zap.String("mode", m.ActiveMode()),
		zap.Strings("backends", m.EnabledModes()))
	return nil
}

func closeBackends(backends map[string]Backend) {
	for _, b := range backends {
		_ = b.Close()
	}
}

func (m *Manager) ready() error {
	if m == nil || !m.initialized.Load() {
		return ErrNotInitialized
	}
	return nil
}

func (m *Manager) ActiveMode() string {
	return *m.activeMode.Load()
}

// SetActiveMode switches where new payloads go. Backends are not created or
// dropped; data stored under other enabled modes stays reachable.
func (m *Manager) SetActiveMode(mode string) {
	mode = strings.TrimSpace(mode)
	if mode == "" {
		mode = InlineMode
	}
	m.activeMode.Store(&mode)
}

// EnabledModes lists the modes that have a backend, sorted.
func (m *Manager) EnabledModes() []string {
	out := make([]string, 0, len(m.backends))
	for mode := range m.backends {
		out = append(out, mode)
	}
	sort.Strings(out)
	return out
}

// Backend returns the backend for mode, if enabled.
func (m *Manager) Backend(mode string) (Backend, bool) {
	if m.ready() != nil {
		return nil, false
	}
	b, ok := m.backends[mode]
	return b, ok
}

// StoreBinaryData puts data in the active mode's backend and sets bd.ID, or
// inlines it as base64 when the active mode has no backend. bd is updated in
// place and returned.
func (m *Manager) StoreBinaryData(ctx context.Context, bd *BinaryData, data []byte) (*BinaryData, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if bd == nil {
		bd = &BinaryData{}
	}

	mode := m.ActiveMode()
	b, ok := m.backends[mode]
	if !ok {
		bd.Data = base64.StdEncoding.EncodeToString(data)
		bd.ID = ""
		return bd, nil
	}

	key, err := b.Store(ctx, data)
	m.metrics.observe(opStore, mode, err)
	if err != nil {
		return nil, fmt.Errorf("store binary data in %s: %w", mode, err)
	}
	m.metrics.payload(opStore, len(data))
	bd.ID = EncodeID(mode, key)
	bd.Data = ""
	return bd, nil
}

// RetrieveBinaryData returns the payload of bd, from its backend when it
// carries a reference and from the inline data otherwise.
func (m *Manager) RetrieveBinaryData(ctx context.Context, bd *BinaryData) ([]byte, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if bd == nil {
		return nil, fmt.Errorf("binary data is nil")
	}
	if bd.HasReference() {
		return m.RetrieveByIdentifier(ctx, bd.ID)
	}
	data, err := base64.StdEncoding.DecodeString(bd.Data)
	if err != nil {
		return nil, fmt.Errorf("decode inline binary data: %w", err)
	}
	return data, nil
}

// RetrieveByIdentifier resolves a "mode:key" identifier against the backend
// of its own mode, regardless of the active mode.
func (m *Manager) RetrieveByIdentifier(ctx context.Context, identifier string) ([]byte, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	mode, key := DecodeID(identifier)
	b, ok := m.backends[mode]
	if !ok {
		return nil, fmt.Errorf("%w: mode %q", ErrStorageUnavailable, mode)
	}
	data, err := b.Retrieve(ctx, key)
	m.metrics.observe(opRetrieve, mode, err)
	if err != nil {
		return nil, fmt.Errorf("retrieve %s: %w", identifier, err)
	}
	m.metrics.payload(opRetrieve, len(data))
	return data, nil
}

// DeleteForRunData marks every binary referenced from runData for deletion,
// one MarkForDeletion call per mode with each key passed once. It does
// nothing when the active mode has no backend.
func (m *Manager) DeleteForRunData(ctx context.Context, runData RunData) (*DeleteReport, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	report := &DeleteReport{}
	if _, ok := m.backends[m.ActiveMode()]; !ok {
		return report, nil
	}

	keysByMode := map[string][]string{}
	seen := map[string]bool{}
	for _, id := range ScanRunData(runData) {
		if seen[id] {
			continue
		}
		seen[id] = true
		mode, key := DecodeID(id)
		keysByMode[mode] = append(keysByMode[mode], key)
	}

	for _, mode := range sortedKeys(keysByMode) {
		keys := keysByMode[mode]
		b, ok := m.backends[mode]
		if !ok {
			for _, key := range keys {
				m.metrics.skipped(opMark, mode)
				report.add(DeleteResult{Identifier: EncodeID(mode, key), Mode: mode, Key: key, Status: StatusSkipped})
			}
			continue
		}
		err := b.MarkForDeletion(ctx, keys)
		m.metrics.observe(opMark, mode, err)
		status := StatusMarked
		if err != nil {
			status = StatusFailed
			m.logger.WarnWithContext(ctx, "mark binary data for deletion failed",
				zap.String("mode", mode), zap.Int("keys", len(keys)), zap.Error(err))
		}
		for _, key := range keys {
			report.add(DeleteResult{Identifier: EncodeID(mode, key), Mode: mode, Key: key, Status: status, Err: err})
		}
	}
	return report, nil
}

// DeleteForExecutionBatch deletes every binary referenced by the given
// execution records. Identifiers are deleted concurrently; unknown modes are
// skipped and failures are recorded in the report, never aborting the batch.
// The execution records themselves are left alone.
func (m *Manager) DeleteForExecutionBatch(ctx context.Context, records []ExecutionRecord) (*DeleteReport, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	report := &DeleteReport{}
	if len(m.backends) == 0 {
		return report, nil
	}

	var ids []string
	seen := map[string]bool{}
	for _, rec := range records {
		runData, err := DecodeExecutionData(rec.Data)
		if err != nil {
			report.addDecodeError(rec.ID, err)
			m.logger.WarnWithContext(ctx, "skipping unreadable execution data",
				zap.String("execution_id", rec.ID), zap.Error(err))
			continue
		}
		for _, id := range ScanRunData(runData) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	p := pool.New().WithMaxGoroutines(m.maxConcurrency)
	for _, id := range ids {
		p.Go(func() {
			report.add(m.deleteByIdentifier(ctx, id))
		})
	}
	p.Wait()
	return report, nil
}

func (m *Manager) deleteByIdentifier(ctx context.Context, identifier string) DeleteResult {
	mode, key := DecodeID(identifier)
	res := DeleteResult{Identifier: identifier, Mode: mode, Key: key}
	b, ok := m.backends[mode]
	if !ok {
		m.metrics.skipped(opDelete, mode)
		res.Status = StatusSkipped
		return res
	}
	err := b.Delete(ctx, key)
	m.metrics.observe(opDelete, mode, err)
	if err != nil {
		m.logger.WarnWithContext(ctx, "delete binary data failed",
			zap.String("id", identifier), zap.Error(err))
		res.Status = StatusFailed
		res.Err = err
		return res
	}
	res.Status = StatusDeleted
	return res
}

// DuplicateExecutionInput gives each referenced attachment in input its own
// backend copy so that branches fanning out from the same items can delete
// their data independently. Items without binaries are passed through as the
// same pointer; items with binaries are returned as copies carrying the new
// references. A failed duplication keeps the original reference.
func (m *Manager) DuplicateExecutionInput(ctx context.Context, input [][]*ExecutionItem) ([][]*ExecutionItem, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if input == nil {
		return nil, nil
	}
	if _, ok := m.backends[m.ActiveMode()]; !ok {
		return input, nil
	}

	p := pool.New().WithMaxGoroutines(m.maxConcurrency)
	out := make([][]*ExecutionItem, len(input))
	for i, batch := range input {
		if batch == nil {
			continue
		}
		outBatch := make([]*ExecutionItem, len(batch))
		for j, item := range batch {
			if item == nil || len(item.Binary) == 0 {
				outBatch[j] = item
				continue
			}
			clone := &ExecutionItem{JSON: item.JSON, Binary: make(map[string]*BinaryData, len(item.Binary))}
			for name, bd := range item.Binary {
				if bd == nil {
					clone.Binary[name] = nil
					continue
				}
				cp := *bd
				clone.Binary[name] = &cp
				if !cp.HasReference() {
					continue
				}
				p.Go(func() {
					m.duplicateAttachment(ctx, &cp)
				})
			}
			outBatch[j] = clone
		}
		out[i] = outBatch
	}
	p.Wait()
	return out, nil
}

func (m *Manager) duplicateAttachment(ctx context.Context, bd *BinaryData) {
	mode, key := DecodeID(bd.ID)
	b, ok := m.backends[mode]
	if !ok {
		m.metrics.skipped(opDuplicate, mode)
		m.logger.WarnWithContext(ctx, "cannot duplicate binary data, mode not enabled",
			zap.String("id", bd.ID))
		return
	}
	newKey, err := b.Duplicate(ctx, key)
	m.metrics.observe(opDuplicate, mode, err)
	if err != nil {
		m.logger.WarnWithContext(ctx, "duplicate binary data failed",
			zap.String("id", bd.ID), zap.Error(err))
		return
	}
	bd.ID = EncodeID(mode, newKey)
}

// Close releases every backend.
func (m *Manager) Close() error {
	if m.ready() != nil {
		return nil
	}
	var errs []error
	for _, mode := range m.EnabledModes() {
		if err := m.backends[mode].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s backend: %w", mode, err))
		}
	}
	return errors.Join(errs...)
}
