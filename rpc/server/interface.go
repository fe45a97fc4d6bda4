package server

import (
	"github.com/ValentinKolb/tcsrpc/rpc/common"
	"github.com/ValentinKolb/tcsrpc/rpc/serializer"
)

// HandlerFunc answers one request. r is positioned at the first parameter of the request.
// On success the returned parameters form the reply, any other code is sent back
// without parameters.
type HandlerFunc func(r *serializer.Reader) ([]serializer.Param, common.ResultCode)

// IService is the interface for everything that answers TCS commands
type IService interface {
	// Handlers returns the handler for every opcode the service answers
	Handlers() map[common.Opcode]HandlerFunc
}
