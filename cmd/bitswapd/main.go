// Command bitswapd runs a standalone bitswap exchange node: it serves
// blocks from a bbolt-backed blockstore and joins a swarm bootstrapped from
// a static peer list.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/anacrolix/log"
	flags "github.com/jessevdk/go-flags"

	"github.com/dannyzb/bitswap"
	"github.com/dannyzb/bitswap/blockstore"
	"github.com/dannyzb/bitswap/internal/network"
	"github.com/dannyzb/bitswap/routing"
	"github.com/dannyzb/bitswap/session"
)

type options struct {
	ID            string   `long:"id" description:"this node's bitswap peer ID, exchanged during the connection handshake; defaults to the listen address"`
	DataDir       string   `long:"data-dir" default:"./bitswapd-data" description:"directory holding the bbolt blockstore"`
	ListenAddr    string   `long:"listen" default:":4001" description:"address to accept peer connections on"`
	BootstrapPeer []string `long:"bootstrap" description:"host:port of a peer to seed routing with; repeatable"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WrapError(err).Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	logger := log.Default

	if opts.ID == "" {
		opts.ID = opts.ListenAddr
	}

	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		logger.Levelf(log.Error, "bitswapd: creating data dir: %v", err)
		os.Exit(1)
	}
	blocks, err := blockstore.OpenBolt(opts.DataDir + "/blocks.db")
	if err != nil {
		logger.Levelf(log.Error, "bitswapd: opening blockstore: %v", err)
		os.Exit(1)
	}
	defer blocks.Close()

	rt := routing.NewMemory(opts.BootstrapPeer...)

	dial := network.Dialer(func(ctx context.Context, addr string) (session.Session, error) {
		tcp, err := session.DialTCP(addr)
		if err != nil {
			return nil, err
		}
		if _, err := tcp.Handshake(opts.ID); err != nil {
			tcp.Close()
			return nil, err
		}
		return tcp, nil
	})

	x := bitswap.NewExchange(bitswap.ClientConfig{
		Blocks:  blocks,
		Routing: rt,
		Dial:    dial,
		Logger:  logger,
	})
	for _, p := range opts.BootstrapPeer {
		x.AddPeer(p, p)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- x.Run(ctx) }()

	go acceptLoop(ctx, opts.ListenAddr, opts.ID, x, logger)

	<-ctx.Done()
	logger.Levelf(log.Info, "bitswapd: shutting down")
	x.Close()
	if err := <-runErr; err != nil {
		logger.Levelf(log.Error, "bitswapd: engine exited: %v", err)
	}
	st := x.Stats()
	logger.Levelf(log.Info, "bitswapd: blocks sent=%s received=%s, bytes sent=%s received=%s",
		st.BlocksSent.String(), st.BlocksReceived.String(), st.BytesSent.String(), st.BytesReceived.String())
}

// acceptLoop is the thin glue that hands accepted sessions to the exchange:
// it runs the listener and handshakes each inbound connection to learn the
// remote's bitswap peer ID, but leaves all protocol work to the engine.
func acceptLoop(ctx context.Context, addr, localID string, x *bitswap.Exchange, logger log.Logger) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Levelf(log.Error, "bitswapd: listen %s: %v", addr, err)
		return
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		tcp := session.NewTCP(conn)
		peerID, err := tcp.Handshake(localID)
		if err != nil {
			logger.Levelf(log.Debug, "bitswapd: handshake with %s failed: %v", conn.RemoteAddr(), err)
			tcp.Close()
			continue
		}
		logger.Levelf(log.Debug, "bitswapd: accepted connection from %s", strings.TrimSpace(peerID))
		x.AddSession(peerID, conn.RemoteAddr().String(), tcp)
	}
}
