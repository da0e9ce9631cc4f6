//go:build !linux

package connmgr

import "context"

// New returns a manager whose methods all fail with ErrUnsupported.
func New() Mgr {
	return unsupported{}
}

type unsupported struct{}

func (unsupported) StartServer(context.Context, ServerOptions) error { return ErrUnsupported }

func (unsupported) Accept(context.Context) (int, Device, error) { return 0, Device{}, ErrUnsupported }

func (unsupported) ScanSPP(context.Context) ([]Device, error) { return nil, ErrUnsupported }

func (unsupported) Paired(context.Context, Device) (bool, error) { return false, ErrUnsupported }

func (unsupported) HasService(context.Context, Device, string) (bool, error) {
	return false, ErrUnsupported
}

func (unsupported) Connect(context.Context, Device, ClientOptions) (int, error) { return 0, ErrUnsupported }

func (unsupported) Close() error { return nil }
