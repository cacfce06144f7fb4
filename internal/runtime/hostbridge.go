package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Senneseph/edge-hive/sdk"
)

// hostBridge routes provider commands from loaded libraries to the context
// of the request that issued them. It is process-global because the host
// callback handed to a library carries no state of its own. Reply buffers
// are pinned per request until the next command or the end of the request,
// matching the single-outstanding-call shape of the ABI.
type hostBridge struct {
	mu      sync.Mutex
	calls   map[string]*sdk.Context
	results map[string][]byte
	txs     map[string]sdk.Tx
	txSeq   uint64
}

var bridge = &hostBridge{
	calls:   make(map[string]*sdk.Context),
	results: make(map[string][]byte),
	txs:     make(map[string]sdk.Tx),
}

func (b *hostBridge) beginCall(requestID string, ctx *sdk.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[requestID] = ctx
}

func (b *hostBridge) endCall(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.calls, requestID)
	delete(b.results, requestID)
}

// dispatch decodes one command, runs it against the owning request's
// context, and returns the NUL-terminated reply buffer, pinned until the
// request's next command or completion.
func (b *hostBridge) dispatch(payload []byte) []byte {
	var cmd sdk.HostCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return b.reply("", hostError(sdk.NewBadRequestError("malformed host command: "+err.Error())))
	}

	b.mu.Lock()
	hctx := b.calls[cmd.RequestID]
	b.mu.Unlock()
	if hctx == nil {
		return b.reply(cmd.RequestID, hostError(&sdk.ErrorEnvelope{
			Code:    sdk.ErrInternalError,
			Message: fmt.Sprintf("no in-flight request %q for host command", cmd.RequestID),
		}))
	}

	out, err := b.run(hctx, &cmd)
	if err != nil {
		env, ok := err.(*sdk.ErrorEnvelope)
		if !ok {
			env = &sdk.ErrorEnvelope{Code: sdk.ErrInternalError, Message: err.Error()}
		}
		return b.reply(cmd.RequestID, hostError(env))
	}
	raw, merr := json.Marshal(out)
	if merr != nil {
		return b.reply(cmd.RequestID, hostError(&sdk.ErrorEnvelope{Code: sdk.ErrInternalError, Message: merr.Error()}))
	}
	buf, _ := json.Marshal(sdk.HostResult{Result: raw})
	return b.reply(cmd.RequestID, buf)
}

func (b *hostBridge) reply(requestID string, out []byte) []byte {
	buf := append(out, 0)
	b.mu.Lock()
	b.results[requestID] = buf
	b.mu.Unlock()
	return buf
}

func hostError(env *sdk.ErrorEnvelope) []byte {
	buf, _ := json.Marshal(sdk.HostResult{Error: env})
	return buf
}

func (b *hostBridge) run(hctx *sdk.Context, cmd *sdk.HostCommand) (any, error) {
	ctx := context.Background()
	if d, ok := hctx.Deadline(); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, d)
		defer cancel()
	}

	switch cmd.Kind {
	case sdk.KindDatabase:
		return b.runDatabase(ctx, hctx, cmd)
	case sdk.KindCache:
		return b.runCache(ctx, hctx, cmd)
	case sdk.KindStorage:
		return b.runStorage(ctx, hctx, cmd)
	case sdk.KindEmail:
		return b.runEmail(ctx, hctx, cmd)
	case sdk.KindFileTransfer:
		return b.runFileTransfer(ctx, hctx, cmd)
	}
	return nil, sdk.NewBadRequestError("unknown provider kind " + string(cmd.Kind))
}

func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, sdk.NewBadRequestError("malformed command arguments: " + err.Error())
	}
	return v, nil
}

func (b *hostBridge) runDatabase(ctx context.Context, hctx *sdk.Context, cmd *sdk.HostCommand) (any, error) {
	switch cmd.Op {
	case "tx_query", "tx_exec", "tx_commit", "tx_rollback":
		return b.runTx(ctx, cmd)
	}

	db, err := hctx.Database(cmd.Provider)
	if err != nil {
		return nil, err
	}
	switch cmd.Op {
	case "query":
		args, err := decodeArgs[struct {
			SQL    string `json:"sql"`
			Params []any  `json:"params"`
		}](cmd.Args)
		if err != nil {
			return nil, err
		}
		rows, err := db.Query(ctx, args.SQL, args.Params...)
		if err != nil {
			return nil, err
		}
		return map[string]any{"rows": rows}, nil
	case "query_one":
		args, err := decodeArgs[struct {
			SQL    string `json:"sql"`
			Params []any  `json:"params"`
		}](cmd.Args)
		if err != nil {
			return nil, err
		}
		row, found, err := db.QueryOne(ctx, args.SQL, args.Params...)
		if err != nil {
			return nil, err
		}
		return map[string]any{"row": row, "found": found}, nil
	case "exec":
		args, err := decodeArgs[struct {
			SQL    string `json:"sql"`
			Params []any  `json:"params"`
		}](cmd.Args)
		if err != nil {
			return nil, err
		}
		affected, err := db.Exec(ctx, args.SQL, args.Params...)
		if err != nil {
			return nil, err
		}
		return map[string]any{"rows_affected": affected}, nil
	case "begin":
		tx, err := db.Begin(ctx)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.txSeq++
		id := cmd.RequestID + "/tx-" + strconv.FormatUint(b.txSeq, 10)
		b.txs[id] = tx
		b.mu.Unlock()
		return map[string]any{"tx_id": id}, nil
	}
	return nil, sdk.NewBadRequestError("unknown database operation " + cmd.Op)
}

func (b *hostBridge) runTx(ctx context.Context, cmd *sdk.HostCommand) (any, error) {
	args, err := decodeArgs[struct {
		TxID   string `json:"tx_id"`
		SQL    string `json:"sql"`
		Params []any  `json:"params"`
	}](cmd.Args)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	tx := b.txs[args.TxID]
	b.mu.Unlock()
	if tx == nil {
		return nil, sdk.NewBadRequestError("unknown transaction " + args.TxID)
	}
	switch cmd.Op {
	case "tx_query":
		rows, err := tx.Query(ctx, args.SQL, args.Params...)
		if err != nil {
			return nil, err
		}
		return map[string]any{"rows": rows}, nil
	case "tx_exec":
		affected, err := tx.Exec(ctx, args.SQL, args.Params...)
		if err != nil {
			return nil, err
		}
		return map[string]any{"rows_affected": affected}, nil
	case "tx_commit", "tx_rollback":
		b.mu.Lock()
		delete(b.txs, args.TxID)
		b.mu.Unlock()
		if cmd.Op == "tx_commit" {
			err = tx.Commit(ctx)
		} else {
			err = tx.Rollback(ctx)
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	}
	return nil, sdk.NewBadRequestError("unknown transaction operation " + cmd.Op)
}

func (b *hostBridge) runCache(ctx context.Context, hctx *sdk.Context, cmd *sdk.HostCommand) (any, error) {
	cache, err := hctx.Cache(cmd.Provider)
	if err != nil {
		return nil, err
	}
	switch cmd.Op {
	case "get":
		args, err := decodeArgs[struct {
			Key string `json:"key"`
		}](cmd.Args)
		if err != nil {
			return nil, err
		}
		value, found, err := cache.Get(ctx, args.Key)
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": value, "found": found}, nil
	case "set":
		args, err := decodeArgs[struct {
			Key        string `json:"key"`
			Value      []byte `json:"value"`
			TTLSeconds int64  `json:"ttl_seconds"`
		}](cmd.Args)
		if err != nil {
			return nil, err
		}
		if err := cache.Set(ctx, args.Key, args.Value, time.Duration(args.TTLSeconds)*time.Second); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	case "delete":
		args, err := decodeArgs[struct {
			Key string `json:"key"`
		}](cmd.Args)
		if err != nil {
			return nil, err
		}
		deleted, err := cache.Delete(ctx, args.Key)
		if err != nil {
			return nil, err
		}
		return map[string]any{"deleted": deleted}, nil
	case "increment":
		args, err := decodeArgs[struct {
			Key    string `json:"key"`
			Amount int64  `json:"amount"`
		}](cmd.Args)
		if err != nil {
			return nil, err
		}
		value, err := cache.Increment(ctx, args.Key, args.Amount)
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": value}, nil
	}
	return nil, sdk.NewBadRequestError("unknown cache operation " + cmd.Op)
}

func (b *hostBridge) runStorage(ctx context.Context, hctx *sdk.Context, cmd *sdk.HostCommand) (any, error) {
	store, err := hctx.Storage(cmd.Provider)
	if err != nil {
		return nil, err
	}
	switch cmd.Op {
	case "put":
		args, err := decodeArgs[struct {
			Key         string `json:"key"`
			Data        []byte `json:"data"`
			ContentType string `json:"content_type"`
		}](cmd.Args)
		if err != nil {
			return nil, err
		}
		if err := store.Put(ctx, args.Key, args.Data, args.ContentType); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	case "get":
		args, err := decodeArgs[struct {
			Key string `json:"key"`
		}](cmd.Args)
		if err != nil {
			return nil, err
		}
		data, err := store.Get(ctx, args.Key)
		if err != nil {
			return nil, err
		}
		return map[string]any{"data": data}, nil
	case "delete":
		args, err := decodeArgs[struct {
			Key string `json:"key"`
		}](cmd.Args)
		if err != nil {
			return nil, err
		}
		if err := store.Delete(ctx, args.Key); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	case "list":
		args, err := decodeArgs[struct {
			Prefix string `json:"prefix"`
		}](cmd.Args)
		if err != nil {
			return nil, err
		}
		objects, err := store.List(ctx, args.Prefix)
		if err != nil {
			return nil, err
		}
		return map[string]any{"objects": objects}, nil
	case "presigned_url":
		args, err := decodeArgs[struct {
			Key        string `json:"key"`
			TTLSeconds int64  `json:"ttl_seconds"`
		}](cmd.Args)
		if err != nil {
			return nil, err
		}
		url, err := store.PresignedURL(ctx, args.Key, time.Duration(args.TTLSeconds)*time.Second)
		if err != nil {
			return nil, err
		}
		return map[string]any{"url": url}, nil
	}
	return nil, sdk.NewBadRequestError("unknown storage operation " + cmd.Op)
}

func (b *hostBridge) runEmail(ctx context.Context, hctx *sdk.Context, cmd *sdk.HostCommand) (any, error) {
	mail, err := hctx.Email(cmd.Provider)
	if err != nil {
		return nil, err
	}
	if cmd.Op != "send" {
		return nil, sdk.NewBadRequestError("unknown email operation " + cmd.Op)
	}
	args, err := decodeArgs[struct {
		From    string   `json:"from"`
		To      []string `json:"to"`
		Subject string   `json:"subject"`
		Body    string   `json:"body"`
		IsHTML  bool     `json:"is_html"`
	}](cmd.Args)
	if err != nil {
		return nil, err
	}
	if err := mail.Send(ctx, args.From, args.To, args.Subject, args.Body, args.IsHTML); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func (b *hostBridge) runFileTransfer(ctx context.Context, hctx *sdk.Context, cmd *sdk.HostCommand) (any, error) {
	ft, err := hctx.FileTransfer(cmd.Provider)
	if err != nil {
		return nil, err
	}
	switch cmd.Op {
	case "put":
		args, err := decodeArgs[struct {
			Path string `json:"path"`
			Data []byte `json:"data"`
		}](cmd.Args)
		if err != nil {
			return nil, err
		}
		if err := ft.Put(ctx, args.Path, args.Data); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	case "get":
		args, err := decodeArgs[struct {
			Path string `json:"path"`
		}](cmd.Args)
		if err != nil {
			return nil, err
		}
		data, err := ft.Get(ctx, args.Path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"data": data}, nil
	case "list":
		args, err := decodeArgs[struct {
			Path string `json:"path"`
		}](cmd.Args)
		if err != nil {
			return nil, err
		}
		entries, err := ft.List(ctx, args.Path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"entries": entries}, nil
	case "delete":
		args, err := decodeArgs[struct {
			Path string `json:"path"`
		}](cmd.Args)
		if err != nil {
			return nil, err
		}
		if err := ft.Delete(ctx, args.Path); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	}
	return nil, sdk.NewBadRequestError("unknown file-transfer operation " + cmd.Op)
}
