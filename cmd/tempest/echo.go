package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tempest-io/tempest"
	"github.com/tempest-io/tempest/datagram"
	"github.com/tempest-io/tempest/protocol"
	"github.com/tempest-io/tempest/server"
	"github.com/tempest-io/tempest/stream"
	"github.com/tempest-io/tempest/wire"
)

// The demo echo protocol: a request type and a reply type, both flagged
// prefer-reliable. Neither is encrypted or authenticated.
const (
	echoProtocolID   byte   = 2
	echoMessageType  uint16 = 1
	replyMessageType uint16 = 2
)

func echoProtocol() *protocol.Protocol {
	p := protocol.New(echoProtocolID, 1)
	p.Register(echoMessageType, func() protocol.Message { return &echoMessage{} })
	p.Register(replyMessageType, func() protocol.Message { return &echoReply{} })
	return p
}

type echoMessage struct {
	Text string
}

func (*echoMessage) ProtocolID() byte { return echoProtocolID }
func (*echoMessage) Type() uint16     { return echoMessageType }
func (*echoMessage) Flags() protocol.Flags {
	return protocol.Flags{PreferReliable: true}
}

func (m *echoMessage) WritePayload(_ *protocol.Context, w *wire.Writer) error {
	w.WriteString(m.Text)
	return nil
}

func (m *echoMessage) ReadPayload(_ *protocol.Context, r *wire.Reader) error {
	var err error
	m.Text, err = r.ReadString()
	return err
}

type echoReply struct {
	Text string
}

func (*echoReply) ProtocolID() byte { return echoProtocolID }
func (*echoReply) Type() uint16     { return replyMessageType }
func (*echoReply) Flags() protocol.Flags {
	return protocol.Flags{PreferReliable: true}
}

func (m *echoReply) WritePayload(_ *protocol.Context, w *wire.Writer) error {
	w.WriteString(m.Text)
	return nil
}

func (m *echoReply) ReadPayload(_ *protocol.Context, r *wire.Reader) error {
	var err error
	m.Text, err = r.ReadString()
	return err
}

var (
	listenAddr string
	transport  string
	targetAddr string
	echoText   string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the echo server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	echoCmd = &cobra.Command{
		Use:   "echo",
		Short: "Send one echo message and print the reply",
		Args:  cobra.NoArgs,
		RunE:  runEcho,
	}
)

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "127.0.0.1:40000", "listen address")
	serveCmd.Flags().StringVarP(&transport, "transport", "t", "tcp", "transport: tcp or udp")

	echoCmd.Flags().StringVarP(&targetAddr, "target", "T", "127.0.0.1:40000", "server address")
	echoCmd.Flags().StringVarP(&transport, "transport", "t", "tcp", "transport: tcp or udp")
	echoCmd.Flags().StringVarP(&echoText, "message", "m", "hello", "text to echo")
}

func runServe(cmd *cobra.Command, _ []string) error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	protocols := []*protocol.Protocol{echoProtocol()}

	var provider tempest.ConnectionProvider
	switch transport {
	case "udp":
		provider, err = datagram.NewProvider(listenAddr, protocols, opts)
	default:
		provider, err = stream.NewProvider(listenAddr, protocols, opts)
	}
	if err != nil {
		return err
	}

	srv := server.New()
	srv.AddConnectionProvider(provider, server.GlobalOrder)
	srv.OnConnectionMade(func(ev *tempest.ConnectionEvent) {
		log.Info().Stringer("remote", ev.Connection.RemoteAddr()).Msg("connection made")
	})
	srv.OnMessage(func(ev *tempest.MessageEvent) {
		msg, ok := ev.Message.(*echoMessage)
		if !ok {
			return
		}
		reply := &echoReply{Text: msg.Text}
		if dc, isDatagram := ev.Connection.(*datagram.Conn); isDatagram {
			_ = dc.SendResponse(cmd.Context(), ev, reply)
			return
		}
		_ = ev.Connection.Send(cmd.Context(), reply)
	})
	srv.OnDisconnected(func(ev *tempest.DisconnectEvent) {
		log.Info().Str("reason", ev.Reason.String()).Msg("disconnected")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("listen", listenAddr).Str("transport", transport).Msg("echo server up")
	<-ctx.Done()
	return srv.Stop(context.Background())
}

func runEcho(cmd *cobra.Command, _ []string) error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	protocols := []*protocol.Protocol{echoProtocol()}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	if transport == "udp" {
		conn, err := datagram.Dial(ctx, targetAddr, protocols, opts)
		if err != nil {
			return err
		}
		defer conn.Close()
		reply, err := datagram.SendFor[*echoReply](ctx, conn.Conn, &echoMessage{Text: echoText}, 5*time.Second)
		if err != nil {
			return err
		}
		log.Info().Str("reply", reply.Text).Msg("echo")
		return nil
	}

	conn, err := stream.Dial(ctx, targetAddr, protocols, opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	replyCh := make(chan string, 1)
	conn.OnMessage(func(ev *tempest.MessageEvent) {
		if reply, ok := ev.Message.(*echoReply); ok {
			replyCh <- reply.Text
		}
	})
	if err := conn.Send(ctx, &echoMessage{Text: echoText}); err != nil {
		return err
	}
	select {
	case text := <-replyCh:
		log.Info().Str("reply", text).Dur("response_time", conn.ResponseTime()).Msg("echo")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
