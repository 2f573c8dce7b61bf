package labnet

import (
	"log/slog"
	"reflect"
	"sync"

	json "github.com/goccy/go-json"
)

// Server is a collection of services, all sharing the same RPC
// dispatcher, so that e.g. both a consensus node and the KV service
// wrapping it can sit behind a single simulated host.
type Server struct {
	mu       sync.Mutex
	services map[string]*Service
	count    int // incoming RPCs
}

func MakeServer() *Server {
	return &Server{services: map[string]*Service{}}
}

func (rs *Server) AddService(svc *Service) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.services[svc.name] = svc
}

func (rs *Server) dispatch(req reqMsg) replyMsg {
	rs.mu.Lock()
	rs.count++

	serviceName, methodName, ok := methodSplit(req.svcMeth)
	service, found := rs.services[serviceName]
	rs.mu.Unlock()

	if !ok || !found {
		slog.Error("labnet: dispatch to unknown service",
			slog.String("method", req.svcMeth))
		return replyMsg{false, nil}
	}
	return service.dispatch(methodName, req)
}

func (rs *Server) GetCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.count
}

// Service exposes the exported methods of a single receiver object.
// Handler methods must look like
//
//	func (r *Recv) Method(args *Args, reply *Reply)
//
// mirroring net/rpc, minus the error return: the harness treats every
// delivered request as handled.
type Service struct {
	name    string
	rcvr    reflect.Value
	typ     reflect.Type
	methods map[string]reflect.Method
}

// MakeService inspects rcvr and registers every method with the
// expected signature under the receiver's type name.
func MakeService(rcvr any) *Service {
	svc := &Service{
		typ:     reflect.TypeOf(rcvr),
		rcvr:    reflect.ValueOf(rcvr),
		methods: map[string]reflect.Method{},
	}
	svc.name = reflect.Indirect(svc.rcvr).Type().Name()

	for m := 0; m < svc.typ.NumMethod(); m++ {
		method := svc.typ.Method(m)
		mtype := method.Type
		mname := method.Name

		if method.PkgPath != "" || // capitalized?
			mtype.NumIn() != 3 ||
			mtype.In(1).Kind() != reflect.Ptr ||
			mtype.In(2).Kind() != reflect.Ptr ||
			mtype.NumOut() != 0 {
			// the method is not suitable for a handler
			continue
		}
		svc.methods[mname] = method
	}

	return svc
}

func (svc *Service) dispatch(methname string, req reqMsg) replyMsg {
	method, ok := svc.methods[methname]
	if !ok {
		choices := make([]string, 0, len(svc.methods))
		for k := range svc.methods {
			choices = append(choices, k)
		}
		slog.Error("labnet: dispatch to unknown method",
			slog.String("service", svc.name),
			slog.String("method", methname),
			slog.Any("known", choices))
		return replyMsg{false, nil}
	}

	// decode the argument into a fresh value of the handler's type.
	args := reflect.New(method.Type.In(1).Elem())
	if err := json.Unmarshal(req.argsData, args.Interface()); err != nil {
		slog.Error("labnet: unmarshal of RPC args failed",
			slog.String("method", methname), slog.Any("error", err))
		return replyMsg{false, nil}
	}

	replyv := reflect.New(method.Type.In(2).Elem())

	method.Func.Call([]reflect.Value{svc.rcvr, args, replyv})

	data, err := json.Marshal(replyv.Interface())
	if err != nil {
		slog.Error("labnet: marshal of RPC reply failed",
			slog.String("method", methname), slog.Any("error", err))
		return replyMsg{false, nil}
	}
	return replyMsg{true, data}
}
