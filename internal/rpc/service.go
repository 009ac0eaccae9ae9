package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fusedb/fusedb/internal/config"
	enginerr "github.com/fusedb/fusedb/internal/errors"
	"github.com/fusedb/fusedb/internal/queue"
	"github.com/fusedb/fusedb/internal/search"
	"github.com/fusedb/fusedb/internal/store"
)

// Service owns the storage engine on the worker side and dispatches
// RPC methods onto it. open, close, and import swap the store
// instance; everything else reads the current one.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	started time.Time

	mu     sync.RWMutex
	store  *store.Store
	engine *search.Engine
	queue  *queue.Queue
}

// NewService creates an unopened service.
func NewService(cfg *config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, logger: logger, started: time.Now()}
}

// Open opens (or re-opens) the store at the configured or supplied
// path.
func (s *Service) Open(ctx context.Context, params OpenParams) error {
	path := params.Filename
	if path == "" {
		path = s.cfg.Store.Path
	}

	st, err := store.Open(ctx, s.storeOptions(path))
	if err != nil {
		return err
	}
	s.install(st)
	return nil
}

// Close flushes and releases the current store.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	s.engine = nil
	s.queue = nil
	return err
}

// Import restores a snapshot, replacing the current store. The open
// path migrates older snapshots and refuses newer ones.
func (s *Service) Import(ctx context.Context, params ImportParams) error {
	s.mu.Lock()
	old := s.store
	s.store = nil
	s.engine = nil
	s.queue = nil
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Warn("close_before_import_failed", slog.String("error", err.Error()))
		}
	}

	path := params.Filename
	if path == "" {
		path = s.cfg.Store.Path
	}
	st, err := store.Restore(ctx, params.Data, path, s.storeOptions(path))
	if err != nil {
		return err
	}
	s.install(st)
	return nil
}

func (s *Service) storeOptions(path string) store.Options {
	return store.Options{
		Path:           path,
		Dimensions:     s.cfg.Store.Dimensions,
		DistanceMetric: s.cfg.Store.DistanceMetric,
		BusyTimeout:    s.cfg.Store.BusyTimeout,
		QueueMaxDepth:  s.cfg.Queue.MaxDepth,
		Logger:         s.logger,
	}
}

func (s *Service) install(st *store.Store) {
	engine := search.NewEngine(st, search.Config{
		DefaultLimit: s.cfg.Search.DefaultLimit,
		MaxLimit:     s.cfg.Search.MaxLimit,
		CandidateK:   s.cfg.Search.CandidateK,
		RRFConstant:  s.cfg.Search.RRFConstant,
		DefaultWeights: search.Weights{
			FTS:  s.cfg.Search.FTSWeight,
			Vec:  s.cfg.Search.VecWeight,
			Like: s.cfg.Search.LikeWeight,
		},
		Timeout: s.cfg.Server.RequestTimeout,
	}, s.logger)

	s.mu.Lock()
	s.store = st
	s.engine = engine
	s.queue = queue.New(st.DB(), s.cfg.Queue.MaxRetries)
	s.mu.Unlock()
}

// current returns the open store and engine, or a typed error.
func (s *Service) current() (*store.Store, *search.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.store == nil {
		return nil, nil, enginerr.New(enginerr.ErrCodeNotOpen, "store is not open", nil).
			WithSuggestion("call open first")
	}
	return s.store, s.engine, nil
}

// Queue returns the queue bound to the current store, or nil when the
// store is closed. Used by the janitor.
func (s *Service) Queue() *queue.Queue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue
}

// Handle dispatches one request. The store's single connection
// serializes writes; reads of a stable store run concurrently.
func (s *Service) Handle(ctx context.Context, req Request) Response {
	if req.JSONRPC != "2.0" {
		return newProtocolError(req.ID, ErrCodeInvalidRequest, "jsonrpc must be 2.0")
	}

	switch req.Method {
	case MethodPing:
		return NewSuccessResponse(req.ID, PingResult{Pong: true})

	case MethodStatus:
		return NewSuccessResponse(req.ID, s.status(ctx))

	case MethodOpen:
		var params OpenParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		if err := s.Open(ctx, params); err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		return NewSuccessResponse(req.ID, struct{}{})

	case MethodClose:
		if err := s.Close(); err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		return NewSuccessResponse(req.ID, struct{}{})

	case MethodExec:
		var params SQLParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		st, _, err := s.current()
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		if err := st.DB().Exec(ctx, params.SQL, params.Params...); err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		return NewSuccessResponse(req.ID, struct{}{})

	case MethodSelect:
		var params SQLParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		st, _, err := s.current()
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		rows, err := st.DB().Select(ctx, params.SQL, params.Params...)
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		return NewSuccessResponse(req.ID, rows)

	case MethodInsertDocument:
		var params store.InsertRequest
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		st, _, err := s.current()
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		result, err := st.InsertDocumentWithEmbedding(ctx, params)
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		return NewSuccessResponse(req.ID, result)

	case MethodBulkInsert:
		var params []store.InsertRequest
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		st, _, err := s.current()
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		result, err := st.BulkInsertDocuments(ctx, params)
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		return NewSuccessResponse(req.ID, result)

	case MethodSearch:
		var params search.SearchRequest
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		_, engine, err := s.current()
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		result, err := engine.Search(ctx, params)
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		return NewSuccessResponse(req.ID, result)

	case MethodClear:
		var params ClearParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		st, _, err := s.current()
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		if err := st.Clear(ctx, params.Collection); err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		return NewSuccessResponse(req.ID, struct{}{})

	case MethodExport:
		st, _, err := s.current()
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		data, err := st.Export(ctx)
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		return NewSuccessResponse(req.ID, ExportResult{Data: data})

	case MethodImport:
		var params ImportParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		if len(params.Data) == 0 {
			return NewErrorResponse(req.ID, req.Method,
				enginerr.Validation("data", "snapshot bytes are required"))
		}
		if err := s.Import(ctx, params); err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		return NewSuccessResponse(req.ID, struct{}{})

	case MethodValidateFTS:
		var params CollectionParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		st, _, err := s.current()
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		result, err := st.ValidateFTSIndex(ctx, params.Collection)
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		return NewSuccessResponse(req.ID, result)

	case MethodRebuildFTS:
		var params CollectionParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		st, _, err := s.current()
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		if err := st.RebuildFTSIndex(ctx, params.Collection); err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		return NewSuccessResponse(req.ID, struct{}{})

	case MethodCreateCollection:
		var params CreateCollectionParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		st, _, err := s.current()
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		metric := ""
		if params.Config != nil {
			metric = params.Config.DistanceMetric
		}
		if err := st.CreateCollection(ctx, params.Name, params.Dimensions, metric); err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		return NewSuccessResponse(req.ID, struct{}{})

	case MethodListCollections:
		st, _, err := s.current()
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		infos, err := st.ListCollections(ctx)
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		return NewSuccessResponse(req.ID, infos)

	case MethodCollectionInfo:
		var params CollectionParams
		if resp, ok := decodeParams(req, &params); !ok {
			return resp
		}
		st, _, err := s.current()
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		info, err := st.GetCollectionInfo(ctx, params.Collection)
		if err != nil {
			return NewErrorResponse(req.ID, req.Method, err)
		}
		return NewSuccessResponse(req.ID, info)

	default:
		return newProtocolError(req.ID, ErrCodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Service) status(ctx context.Context) StatusResult {
	result := StatusResult{
		Running: true,
		PID:     os.Getpid(),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}

	s.mu.RLock()
	st := s.store
	q := s.queue
	s.mu.RUnlock()

	if st == nil {
		return result
	}
	result.StoreOpen = true
	result.StorePath = st.Path()
	result.SchemaVersion = store.CurrentSchemaVersion
	if q != nil {
		if depth, err := q.Depth(ctx); err == nil {
			result.QueueDepth = depth
		}
	}
	return result
}

// decodeParams unmarshals the request params, answering with an
// invalid-params response on failure.
func decodeParams(req Request, out any) (Response, bool) {
	if len(req.Params) == 0 {
		return Response{}, true
	}
	if err := json.Unmarshal(req.Params, out); err != nil {
		return newProtocolError(req.ID, ErrCodeInvalidParams, "failed to decode params: "+err.Error()), false
	}
	return Response{}, true
}
