// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-fwtrust.
//
// go-fwtrust is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package tpm2

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-tpm/tpm2/transport"
)

// commandTransport serializes commands to the underlying transport and
// bounds how long a caller waits for each one. A command that outlives its
// caller keeps the device slot until the hardware answers, so the next
// command is never interleaved with a stale response.
type commandTransport struct {
	tpm     transport.TPM
	timeout time.Duration
	slot    chan struct{}
}

func newCommandTransport(tpm transport.TPM, timeout time.Duration) *commandTransport {
	return &commandTransport{
		tpm:     tpm,
		timeout: timeout,
		slot:    make(chan struct{}, 1),
	}
}

// bind returns a transport.TPM that honours ctx for every Send.
func (c *commandTransport) bind(ctx context.Context) transport.TPM {
	return &boundTransport{parent: c, ctx: ctx}
}

type boundTransport struct {
	parent *commandTransport
	ctx    context.Context
}

type sendResult struct {
	rsp []byte
	err error
}

func (b *boundTransport) Send(input []byte) ([]byte, error) {
	ctx := b.ctx
	if b.parent.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.parent.timeout)
		defer cancel()
	}

	select {
	case b.parent.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCommandTimeout, ctx.Err())
	}

	done := make(chan sendResult, 1)
	go func() {
		defer func() { <-b.parent.slot }()
		rsp, err := b.parent.tpm.Send(input)
		done <- sendResult{rsp: rsp, err: err}
	}()

	select {
	case r := <-done:
		return r.rsp, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCommandTimeout, ctx.Err())
	}
}
