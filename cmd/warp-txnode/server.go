package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/mirkobrombin/warp-tx/v1/core"
	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type server struct {
	node *core.Node[[]byte]
	log  *zap.Logger
	// limit is the per-connection command rate; zero disables limiting.
	limit rate.Limit
	burst int
}

// session is the per-connection state. Inside MULTI each SET runs on tx at
// once, so locks are taken in command order; replies are held until EXEC.
type session struct {
	tx      *core.Tx[[]byte]
	queued  []func(w *respWriter)
	limiter *rate.Limiter
}

func (s *server) serve(ctx context.Context, lis net.Listener) error {
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.log.With(zap.String("remote", conn.RemoteAddr().String()))

	reader := newRESPReader(bufio.NewReader(conn))
	writer := newRESPWriter(bufio.NewWriter(conn))
	sess := &session{}
	if s.limit > 0 {
		sess.limiter = rate.NewLimiter(s.limit, s.burst)
	}
	defer s.abort(ctx, sess)

	for {
		args, err := reader.readCommand()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("read failed", zap.Error(err))
				writer.writeError(err.Error())
				_ = writer.flush()
			}
			return
		}
		if sess.limiter != nil {
			if err := sess.limiter.Wait(ctx); err != nil {
				return
			}
		}
		s.execute(ctx, sess, writer, args)
		if reader.buffered() {
			continue
		}
		if err := writer.flush(); err != nil {
			log.Debug("write failed", zap.Error(err))
			return
		}
	}
}

// abort rolls back a transaction left open by a dropped connection.
func (s *server) abort(ctx context.Context, sess *session) {
	if sess.tx == nil {
		return
	}
	if err := sess.tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn("rollback on disconnect failed", zap.Stringer("tx", sess.tx.ID()), zap.Error(err))
	}
	sess.tx = nil
}

func errorReply(err error) string {
	switch {
	case errors.Is(err, warperrors.ErrDeadlockDetected):
		return "DEADLOCK " + err.Error()
	case errors.Is(err, warperrors.ErrLockTimeout):
		return "TIMEOUT " + err.Error()
	default:
		return "ERR " + err.Error()
	}
}

func arity(w *respWriter, args [][]byte, n int, name string) bool {
	if len(args) != n {
		w.writeError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", name))
		return false
	}
	return true
}

func (s *server) execute(ctx context.Context, sess *session, w *respWriter, args [][]byte) {
	if len(args) == 0 {
		return
	}
	cmd := strings.ToUpper(string(args[0]))
	switch cmd {
	case "PING":
		if len(args) > 1 {
			w.writeBulk(args[1])
		} else {
			w.writeSimple("PONG")
		}
	case "GET":
		if !arity(w, args, 2, "get") {
			return
		}
		s.get(ctx, sess, w, string(args[1]))
	case "SET":
		if !arity(w, args, 3, "set") {
			return
		}
		s.set(ctx, sess, w, string(args[1]), args[2])
	case "MULTI":
		if sess.tx != nil {
			w.writeError("ERR MULTI calls can not be nested")
			return
		}
		tx, err := s.node.Begin(ctx)
		if err != nil {
			w.writeError(errorReply(err))
			return
		}
		sess.tx, sess.queued = tx, nil
		w.writeSimple("OK")
	case "EXEC":
		s.exec(ctx, sess, w)
	case "DISCARD":
		if sess.tx == nil {
			w.writeError("ERR DISCARD without MULTI")
			return
		}
		err := sess.tx.Rollback(ctx)
		sess.tx, sess.queued = nil, nil
		if err != nil {
			w.writeError(errorReply(err))
			return
		}
		w.writeSimple("OK")
	case "TXSTATS":
		s.stats(w)
	case "COMMAND", "CLIENT":
		w.writeSimple("OK")
	case "INFO":
		w.writeBulk([]byte("# Server\r\nredis_version:6.0.0\r\nwarptx_node:" + s.node.ID() + "\r\n"))
	default:
		w.writeError(fmt.Sprintf("ERR unknown command '%s'", cmd))
	}
}

func (s *server) get(ctx context.Context, sess *session, w *respWriter, key string) {
	if sess.tx == nil {
		v, ok, err := s.node.Get(ctx, key)
		writeValue(w, v, ok, err)
		return
	}
	v, ok, err := sess.tx.Get(ctx, key)
	sess.queued = append(sess.queued, func(w *respWriter) { writeValue(w, v, ok, err) })
	w.writeSimple("QUEUED")
}

func writeValue(w *respWriter, v []byte, ok bool, err error) {
	switch {
	case err != nil:
		w.writeError(errorReply(err))
	case !ok:
		w.writeNull()
	default:
		w.writeBulk(v)
	}
}

func (s *server) set(ctx context.Context, sess *session, w *respWriter, key string, value []byte) {
	if sess.tx == nil {
		if err := s.node.Put(ctx, key, value); err != nil {
			w.writeError(errorReply(err))
			return
		}
		w.writeSimple("OK")
		return
	}
	if err := sess.tx.Put(ctx, key, value); err != nil {
		if sess.tx.State().Finished() {
			// the transaction lost a deadlock or timed out and is gone
			sess.tx, sess.queued = nil, nil
		}
		w.writeError(errorReply(err))
		return
	}
	sess.queued = append(sess.queued, func(w *respWriter) { w.writeSimple("OK") })
	w.writeSimple("QUEUED")
}

func (s *server) exec(ctx context.Context, sess *session, w *respWriter) {
	if sess.tx == nil {
		w.writeError("ERR EXEC without MULTI")
		return
	}
	tx, queued := sess.tx, sess.queued
	sess.tx, sess.queued = nil, nil
	err := tx.Commit(ctx)
	switch {
	case err == nil:
	case errors.Is(err, warperrors.ErrCommitTimeout), errors.Is(err, warperrors.ErrRemoteApply):
		// committed here; only peer acknowledgement failed
		s.log.Warn("commit acknowledged partially", zap.Stringer("tx", tx.ID()), zap.Error(err))
	default:
		w.writeError(errorReply(err))
		return
	}
	w.writeArray(len(queued))
	for _, reply := range queued {
		reply(w)
	}
}

func (s *server) stats(w *respWriter) {
	st := s.node.Stats()
	txs := s.node.TxTable()
	fields := []struct {
		name string
		val  int64
	}{
		{"locks_held", int64(st.LocksHeld)},
		{"local_deadlocks", int64(st.LocalDeadlocks)},
		{"remote_deadlocks", int64(st.RemoteDeadlocks)},
		{"timeouts", int64(st.Timeouts)},
		{"overlaps_without_deadlock", int64(st.OverlapsWithoutDeadlock)},
		{"local_transactions", int64(txs.LocalCount())},
		{"remote_transactions", int64(txs.RemoteCount())},
	}
	w.writeArray(2 * len(fields))
	for _, f := range fields {
		w.writeBulk([]byte(f.name))
		w.writeInt(f.val)
	}
}
