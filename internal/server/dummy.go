package server

import (
	"context"
	"net"

	"github.com/luciancaetano/streamnet"
)

var _ streamnet.Server = Dummy{}

// Dummy is an inert server. It is never registered and never accepts anything.
type Dummy struct{}

func (Dummy) Addr() net.Addr                     { return &net.TCPAddr{} }
func (Dummy) OnConnect(streamnet.ConnectFn)      {}
func (Dummy) OnUpdate(ctx context.Context) error { return nil }
func (Dummy) Start(ctx context.Context) error    { return nil }
func (Dummy) Close() error                       { return nil }
