package stickyexec

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sync"
)

type HandlerIdentity string

func (h HandlerIdentity) String() string {
	return string(h)
}

type HandlerInfo struct {
	HandlerName     string
	HandlerLongName HandlerIdentity
	Handler         interface{}
	ParamsKinds     []reflect.Kind
	ParamTypes      []reflect.Type
	ReturnTypes     []reflect.Type
	ReturnKinds     []reflect.Kind
	NumIn           int
	NumOut          int
}

// Registry holds registered workflow handlers. Registration is idempotent and
// keyed by the function's symbol name, which is what history records and what
// replay resolves against.
type Registry struct {
	workflows map[string]HandlerInfo
	mu        sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]HandlerInfo),
	}
}

func (r *Registry) RegisterWorkflow(workflowFunc interface{}) (HandlerInfo, error) {
	funcName := getFunctionName(workflowFunc)
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check if already registered
	if handler, ok := r.workflows[funcName]; ok {
		return handler, nil
	}

	handlerType := reflect.TypeOf(workflowFunc)
	if handlerType.Kind() != reflect.Func {
		return HandlerInfo{}, errors.Join(ErrRegistration, fmt.Errorf("workflow must be a function"))
	}

	if handlerType.NumIn() < 1 {
		return HandlerInfo{}, errors.Join(ErrRegistration, fmt.Errorf("workflow function must have at least one input parameter (WorkflowContext)"))
	}

	expectedContextType := reflect.TypeOf(WorkflowContext{})
	if handlerType.In(0) != expectedContextType {
		return HandlerInfo{}, errors.Join(ErrRegistration, fmt.Errorf("first parameter of workflow function must be WorkflowContext"))
	}

	paramsKinds := []reflect.Kind{}
	paramTypes := []reflect.Type{}
	for i := 1; i < handlerType.NumIn(); i++ {
		paramTypes = append(paramTypes, handlerType.In(i))
		paramsKinds = append(paramsKinds, handlerType.In(i).Kind())
	}

	numOut := handlerType.NumOut()
	if numOut == 0 {
		return HandlerInfo{}, errors.Join(ErrRegistration, fmt.Errorf("workflow function must return at least an error"))
	}

	returnKinds := []reflect.Kind{}
	returnTypes := []reflect.Type{}
	for i := 0; i < numOut-1; i++ {
		returnTypes = append(returnTypes, handlerType.Out(i))
		returnKinds = append(returnKinds, handlerType.Out(i).Kind())
	}

	if handlerType.Out(numOut-1) != reflect.TypeOf((*error)(nil)).Elem() {
		return HandlerInfo{}, errors.Join(ErrRegistration, fmt.Errorf("last return value of workflow function must be error"))
	}

	handler := HandlerInfo{
		HandlerName:     funcName,
		HandlerLongName: HandlerIdentity(funcName),
		Handler:         workflowFunc,
		ParamTypes:      paramTypes,
		ParamsKinds:     paramsKinds,
		ReturnTypes:     returnTypes,
		ReturnKinds:     returnKinds,
		NumIn:           handlerType.NumIn() - 1,
		NumOut:          numOut - 1,
	}

	r.workflows[funcName] = handler

	logger.Debug(context.Background(), "registered workflow", "registry.handler", funcName)

	return handler, nil
}

func (r *Registry) GetWorkflow(name string) (HandlerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handler, ok := r.workflows[name]
	return handler, ok
}

func getFunctionName(i interface{}) string {
	return runtime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}
