package stream

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/bfxstream/pkg/logging"
	"github.com/tradeforge/bfxstream/pkg/wire"
)

// OrderUpdateRequest mutates a resting order. Nil Price/Amount leave the
// field untouched; Extra carries arbitrary additional fields such as flags.
type OrderUpdateRequest struct {
	OrderID int64
	Price   *decimal.Decimal
	Amount  *decimal.Decimal
	Extra   map[string]interface{}
}

// OrderRef identifies an order either by exchange id or by the
// (client id, client id date) pair.
type OrderRef struct {
	ID      int64
	CID     int64
	CIDDate string
}

// OrderOp is one entry of a batched order operation.
type OrderOp struct {
	Op      string
	Payload map[string]interface{}
}

// UpdateOrder sends an "ou" command with price/amount normalized to the
// wire's textual form.
func (c *Client) UpdateOrder(ctx context.Context, req OrderUpdateRequest) CommandResult {
	if req.OrderID == 0 {
		return commandFailure(errors.New("order id required"))
	}

	payload := map[string]interface{}{"id": req.OrderID}
	if req.Price != nil {
		payload["price"] = req.Price.String()
	}
	if req.Amount != nil {
		payload["amount"] = req.Amount.String()
	}
	for k, v := range req.Extra {
		if _, taken := payload[k]; !taken {
			payload[k] = normalizeField(k, v)
		}
	}

	return c.sendCommand(ctx, wire.OpOrderUpdate, payload, 1)
}

// CancelOrders sends a single "oc_multi" command covering every reference.
// The count reflects how many references were submitted.
func (c *Client) CancelOrders(ctx context.Context, refs []OrderRef) CommandResult {
	var ids []int64
	var cids [][]interface{}
	for _, r := range refs {
		switch {
		case r.ID != 0:
			ids = append(ids, r.ID)
		case r.CID != 0:
			cids = append(cids, []interface{}{r.CID, r.CIDDate})
		}
	}

	count := len(ids) + len(cids)
	if count == 0 {
		return commandFailure(errors.New("no order references given"))
	}

	payload := map[string]interface{}{}
	if len(ids) > 0 {
		payload["id"] = ids
	}
	if len(cids) > 0 {
		payload["cid"] = cids
	}

	return c.sendCommand(ctx, wire.OpCancelMulti, payload, count)
}

// SubmitOrderOps sends one "ops" frame with the recognized operations,
// normalizing each payload. Unrecognized opcodes are filtered out; the
// count reflects what remained.
func (c *Client) SubmitOrderOps(ctx context.Context, ops []OrderOp) CommandResult {
	frameOps := make([][]interface{}, 0, len(ops))
	for _, op := range ops {
		switch op.Op {
		case wire.OpOrderNew, wire.OpOrderCancel, wire.OpOrderUpdate:
			frameOps = append(frameOps, []interface{}{op.Op, normalizePayload(op.Payload)})
		default:
			c.log.Debug("dropping unrecognized order op", logging.String("op", op.Op))
		}
	}

	if len(frameOps) == 0 {
		return commandSuccess(0)
	}
	return c.sendCommand(ctx, wire.OpOrderOps, frameOps, len(frameOps))
}

// EnableDeadManSwitch asks the exchange to auto-cancel this session's open
// orders when the authenticated connection drops for longer than timeout.
func (c *Client) EnableDeadManSwitch(ctx context.Context, timeout time.Duration) CommandResult {
	if !c.EnsureAuthenticated(ctx) {
		return commandFailure(ErrAuthRequired)
	}
	p := c.primarySocket()
	if p == nil || !p.open() {
		return commandFailure(ErrNotConnected)
	}

	req := wire.DMSRequest{
		Event:   wire.EventDMS,
		Status:  1,
		Timeout: int(timeout.Milliseconds()),
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return commandFailure(err)
	}
	if err := p.sendJSON(req); err != nil {
		return commandFailure(err)
	}
	return commandSuccess(1)
}

// SendPrivateCommand is the generic entry point for the private command
// surface, validating the opcode before sending.
func (c *Client) SendPrivateCommand(ctx context.Context, op string, payload interface{}) CommandResult {
	switch op {
	case wire.OpOrderNew, wire.OpOrderCancel, wire.OpOrderUpdate, wire.OpCancelMulti, wire.OpOrderOps:
		return c.sendCommand(ctx, op, payload, 1)
	default:
		return commandFailure(ErrUnknownCommand)
	}
}

// sendCommand authenticates, paces, and sends one [0, op, null, payload]
// frame on the primary socket.
func (c *Client) sendCommand(ctx context.Context, op string, payload interface{}, count int) CommandResult {
	if c.closed.Load() {
		return commandFailure(ErrClosed)
	}
	if !c.EnsureAuthenticated(ctx) {
		return commandFailure(ErrAuthRequired)
	}

	p := c.primarySocket()
	if p == nil || !p.open() {
		return commandFailure(ErrNotConnected)
	}

	frame, err := wire.EncodeCommand(op, payload)
	if err != nil {
		return commandFailure(err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return commandFailure(err)
	}
	if err := p.sendRaw(frame); err != nil {
		return commandFailure(err)
	}

	c.log.Debug("private command sent",
		logging.String("op", op),
		logging.Int("count", count))
	return commandSuccess(count)
}

// normalizePayload returns a copy with price/amount rendered as text and
// order identifiers coerced to integers.
func normalizePayload(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = normalizeField(k, v)
	}
	return out
}

func normalizeField(key string, v interface{}) interface{} {
	switch key {
	case "price", "amount":
		switch n := v.(type) {
		case float64:
			return decimal.NewFromFloat(n).String()
		case decimal.Decimal:
			return n.String()
		case int:
			return decimal.NewFromInt(int64(n)).String()
		case int64:
			return decimal.NewFromInt(n).String()
		default:
			return v
		}
	case "id", "gid", "cid":
		switch n := v.(type) {
		case float64:
			return int64(n)
		case int:
			return int64(n)
		default:
			return v
		}
	}
	return v
}
