package transport

import (
	"context"
	"github.com/corelane/mcprpc"
)

type Transport interface {
	Notifier
	Send(ctx context.Context, request *jsonrpc.Request) (*jsonrpc.Response, error)
}
