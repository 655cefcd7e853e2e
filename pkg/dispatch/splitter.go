package dispatch

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sessamekesh/spanreed-redis-proxy/pkg/message/resp"
	"github.com/sessamekesh/spanreed-redis-proxy/pkg/proxy"
	"go.uber.org/zap"
)

const (
	invalidRequestMessage = "invalid request"
	upstreamFailure       = "upstream failure"
)

// Backend executes one single-key command. onComplete is called at most once, from any
// goroutine, possibly before Execute returns.
type Backend interface {
	Execute(args []string, onComplete func(*resp.Value)) proxy.DispatchHandle
}

type commandHandler func(args []string, onComplete func(*resp.Value)) proxy.DispatchHandle

// Splitter is the proxy's Dispatcher. It validates commands, answers the ones it can locally, and
// turns multi-key commands into one backend request per key so each key reaches the shard that
// owns it.
type Splitter struct {
	backend  Backend
	log      *zap.Logger
	handlers map[string]commandHandler
}

type SplitterParams struct {
	Logger *zap.Logger
}

func CreateSplitter(backend Backend, params SplitterParams) *Splitter {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	s := &Splitter{
		backend:  backend,
		log:      logger.With(zap.String("handler", "Splitter")),
		handlers: make(map[string]commandHandler),
	}

	for _, name := range simpleCommands {
		s.handlers[name] = s.simpleRequest(name, 2)
	}
	for _, name := range evalCommands {
		s.handlers[name] = s.evalRequest(name)
	}
	for _, name := range sumResultCommands {
		s.handlers[name] = s.sumResultRequest(name)
	}
	s.handlers["mget"] = s.mgetRequest
	s.handlers["mset"] = s.msetRequest
	s.handlers["ping"] = s.pingRequest

	return s
}

func commandArgs(cmd *resp.Value) ([]string, bool) {
	if cmd == nil || cmd.Type != resp.ValueType_Array || len(cmd.Array) == 0 {
		return nil, false
	}

	args := make([]string, 0, len(cmd.Array))
	for _, element := range cmd.Array {
		if element.Type != resp.ValueType_BulkString {
			return nil, false
		}
		args = append(args, element.Str)
	}
	return args, true
}

func wrongArity(name string) *resp.Value {
	return resp.NewError(fmt.Sprintf("wrong number of arguments for '%s' command", name))
}

func (s *Splitter) Dispatch(cmd *resp.Value, onComplete func(*resp.Value)) proxy.DispatchHandle {
	args, ok := commandArgs(cmd)
	if !ok {
		onComplete(resp.NewError(invalidRequestMessage))
		return nil
	}

	name := strings.ToLower(args[0])
	handler, has := s.handlers[name]
	if !has {
		s.log.Debug("Rejecting unsupported command", zap.String("command", name))
		onComplete(resp.NewError(fmt.Sprintf("unsupported command '%s'", args[0])))
		return nil
	}

	return handler(args, onComplete)
}

func (s *Splitter) pingRequest(args []string, onComplete func(*resp.Value)) proxy.DispatchHandle {
	switch len(args) {
	case 1:
		onComplete(resp.NewSimpleString("PONG"))
	case 2:
		onComplete(resp.NewBulkString(args[1]))
	default:
		onComplete(wrongArity(args[0]))
	}
	return nil
}

func (s *Splitter) simpleRequest(name string, minArgs int) commandHandler {
	return func(args []string, onComplete func(*resp.Value)) proxy.DispatchHandle {
		if len(args) < minArgs {
			onComplete(wrongArity(name))
			return nil
		}
		return s.backend.Execute(args, onComplete)
	}
}

func (s *Splitter) evalRequest(name string) commandHandler {
	return func(args []string, onComplete func(*resp.Value)) proxy.DispatchHandle {
		// EVAL script numkeys key [key ...] arg [arg ...]
		if len(args) < 4 || args[2] == "0" {
			onComplete(wrongArity(name))
			return nil
		}
		return s.backend.Execute(args, onComplete)
	}
}

func (s *Splitter) mgetRequest(args []string, onComplete func(*resp.Value)) proxy.DispatchHandle {
	if len(args) < 2 {
		onComplete(wrongArity("mget"))
		return nil
	}

	subRequests := make([][]string, 0, len(args)-1)
	for _, key := range args[1:] {
		subRequests = append(subRequests, []string{"get", key})
	}

	return s.fanOut(subRequests, onComplete, func(responses []*resp.Value) *resp.Value {
		return resp.NewArray(responses...)
	})
}

func (s *Splitter) msetRequest(args []string, onComplete func(*resp.Value)) proxy.DispatchHandle {
	if len(args) < 3 || (len(args)-1)%2 != 0 {
		onComplete(wrongArity("mset"))
		return nil
	}

	subRequests := make([][]string, 0, (len(args)-1)/2)
	for i := 1; i < len(args); i += 2 {
		subRequests = append(subRequests, []string{"set", args[i], args[i+1]})
	}

	return s.fanOut(subRequests, onComplete, func(responses []*resp.Value) *resp.Value {
		if errorCount := countErrors(responses); errorCount > 0 {
			return resp.NewError(fmt.Sprintf("finished with %d error(s)", errorCount))
		}
		return resp.NewSimpleString("OK")
	})
}

func (s *Splitter) sumResultRequest(name string) commandHandler {
	return func(args []string, onComplete func(*resp.Value)) proxy.DispatchHandle {
		if len(args) < 2 {
			onComplete(wrongArity(name))
			return nil
		}

		subRequests := make([][]string, 0, len(args)-1)
		for _, key := range args[1:] {
			subRequests = append(subRequests, []string{args[0], key})
		}

		return s.fanOut(subRequests, onComplete, func(responses []*resp.Value) *resp.Value {
			total := int64(0)
			errorCount := 0
			for _, response := range responses {
				if response.Type != resp.ValueType_Integer {
					errorCount++
					continue
				}
				total += response.Int
			}
			if errorCount > 0 {
				return resp.NewError(fmt.Sprintf("finished with %d error(s)", errorCount))
			}
			return resp.NewInteger(total)
		})
	}
}

func countErrors(responses []*resp.Value) int {
	count := 0
	for _, response := range responses {
		if response.IsError() {
			count++
		}
	}
	return count
}

func (s *Splitter) fanOut(subRequests [][]string, onComplete func(*resp.Value), coalesce func([]*resp.Value) *resp.Value) proxy.DispatchHandle {
	request := &splitRequest{
		remaining:  len(subRequests),
		responses:  make([]*resp.Value, len(subRequests)),
		coalesce:   coalesce,
		onComplete: onComplete,
	}

	for i, subRequest := range subRequests {
		handle := s.backend.Execute(subRequest, func(response *resp.Value) {
			request.onSubResponse(i, response)
		})
		request.addHandle(handle)
	}

	return request
}

// splitRequest collects the replies of the per-key requests of one client command. Sub-replies
// arrive from backend goroutines, so its state is guarded by mut.
type splitRequest struct {
	mut        sync.Mutex
	remaining  int
	responses  []*resp.Value
	handles    []proxy.DispatchHandle
	cancelled  bool
	coalesce   func([]*resp.Value) *resp.Value
	onComplete func(*resp.Value)
}

func (r *splitRequest) addHandle(handle proxy.DispatchHandle) {
	if handle == nil {
		return
	}

	r.mut.Lock()
	cancelled := r.cancelled
	if !cancelled && r.remaining > 0 {
		r.handles = append(r.handles, handle)
	}
	r.mut.Unlock()

	if cancelled {
		handle.Cancel()
	}
}

func (r *splitRequest) onSubResponse(i int, response *resp.Value) {
	r.mut.Lock()
	if r.cancelled || r.responses[i] != nil {
		r.mut.Unlock()
		return
	}
	if response == nil {
		response = resp.NewError(upstreamFailure)
	}
	r.responses[i] = response
	r.remaining--
	done := r.remaining == 0
	if done {
		r.handles = nil
	}
	r.mut.Unlock()

	if done {
		r.onComplete(r.coalesce(r.responses))
	}
}

func (r *splitRequest) Cancel() {
	r.mut.Lock()
	if r.cancelled || r.remaining == 0 {
		r.mut.Unlock()
		return
	}
	r.cancelled = true
	handles := r.handles
	r.handles = nil
	r.mut.Unlock()

	for _, handle := range handles {
		handle.Cancel()
	}
}
