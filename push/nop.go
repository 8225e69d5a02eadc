// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package push

import "log/slog"

// NopGateway logs push requests and drops them. It is used when no gateway is
// configured.
type NopGateway struct {
	logger *slog.Logger
}

// NewNopGateway returns a gateway that only logs.
func NewNopGateway(logger *slog.Logger) *NopGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &NopGateway{logger: logger}
}

func (g *NopGateway) SubmitPushRequest(clientID string, isRetry bool) {
	g.logger.Debug("push_request_skipped",
		slog.String("client_id", clientID),
		slog.Bool("retry", isRetry))
}

func (g *NopGateway) Close() error { return nil }
