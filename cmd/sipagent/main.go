// Command sipagent is a runnable demonstration of pkg/useragent, grounded
// on the teacher's cmd/test_sip/main.go composition: a flag-selected
// server/client mode, a canned SDP body, and a signal-driven shutdown. It
// wires a real rtpengine.Engine per call instead of the teacher's
// SDP-string-only stand-in, and drives registration through
// pkg/registration instead of the teacher's inline stack config.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/rtp"

	"github.com/voicebridge/sipcore/pkg/callstore"
	"github.com/voicebridge/sipcore/pkg/digestauth"
	"github.com/voicebridge/sipcore/pkg/dtmf"
	"github.com/voicebridge/sipcore/pkg/mediaengine"
	"github.com/voicebridge/sipcore/pkg/mediaengine/rtpengine"
	"github.com/voicebridge/sipcore/pkg/registration"
	"github.com/voicebridge/sipcore/pkg/useragent"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:5060", "SIP listen address")
		username   = flag.String("user", "alice", "account username")
		domain     = flag.String("domain", "example.com", "account domain")
		mode       = flag.String("mode", "server", "mode: server, client")
		target     = flag.String("target", "sip:bob@127.0.0.1:5061", "call target (client mode)")
		registrar  = flag.String("registrar", "", "registrar AOR domain to REGISTER against; empty skips registration")
		password   = flag.String("password", "", "account password, used when -registrar is set")
		debug      = flag.Bool("debug", false, "enable verbose logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := useragent.Config{
		ListenAddr:    *listenAddr,
		UserAgentName: "sipagent/1.0",
	}

	ua, err := useragent.New(cfg, logger, mediaFactory(extractHost(*listenAddr)))
	if err != nil {
		logger.Error("building user agent", "error", err)
		os.Exit(1)
	}
	ua.OnCallLogged(func(entry callstore.CallLog) {
		logger.Info("call ended", "call_id", entry.CallID, "direction", entry.Direction,
			"final_state", entry.FinalState, "reason", entry.Reason, "duration", entry.Duration)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "server":
		runServer(ctx, ua, logger, *listenAddr, *username, *domain, *registrar, *password)
	case "client":
		runClient(ctx, ua, logger, *username, *domain, *target, *registrar, *password)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q: want server or client\n", *mode)
		os.Exit(1)
	}
}

func runServer(ctx context.Context, ua *useragent.UserAgent, logger *slog.Logger, listenAddr, username, domain, registrar, password string) {
	ua.OnIncomingCall(func(call *useragent.IncomingCall) {
		logger.Info("incoming call", "call_id", call.CallID, "from", call.From.String(), "display_name", call.DisplayName)
		go func() {
			time.Sleep(500 * time.Millisecond)
			if err := ua.Accept(ctx, call.CallID); err != nil {
				logger.Error("accepting call", "call_id", call.CallID, "error", err)
			}
		}()
	})

	if err := ua.Start(ctx); err != nil {
		logger.Error("starting user agent", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ua.Stop(stopCtx)
	}()

	if registrar != "" {
		registerAccount(ua, logger, username, domain, registrar, password)
	}

	logger.Info("sip agent listening", "mode", "server", "addr", listenAddr, "user", username, "domain", domain)
	<-ctx.Done()
	logger.Info("shutting down")
}

func runClient(ctx context.Context, ua *useragent.UserAgent, logger *slog.Logger, username, domain, target, registrar, password string) {
	if err := ua.Start(ctx); err != nil {
		logger.Error("starting user agent", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ua.Stop(stopCtx)
	}()

	if registrar != "" {
		registerAccount(ua, logger, username, domain, registrar, password)
	}

	var targetURI sip.Uri
	if err := sip.ParseUri(target, &targetURI); err != nil {
		logger.Error("parsing target URI", "target", target, "error", err)
		os.Exit(1)
	}

	callCtx, cancel := context.WithTimeout(ctx, 32*time.Second)
	defer cancel()

	logger.Info("placing call", "target", target)
	callID, err := ua.MakeCall(callCtx, targetURI, username)
	if err != nil {
		logger.Error("call failed", "error", err)
		os.Exit(1)
	}
	logger.Info("call answered", "call_id", callID)

	time.Sleep(300 * time.Millisecond)
	if err := ua.SendDTMF(callID, dtmf.Request{Digit: '1', Mode: dtmf.ModeRFC2833}); err != nil {
		logger.Warn("sending DTMF", "error", err)
	}

	select {
	case <-time.After(10 * time.Second):
	case <-ctx.Done():
	}

	if err := ua.Hangup(ctx, callID); err != nil {
		logger.Warn("hangup", "call_id", callID, "error", err)
	}
}

func registerAccount(ua *useragent.UserAgent, logger *slog.Logger, username, domain, registrarDomain, password string) {
	var aor, contact sip.Uri
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", username, domain), &aor); err != nil {
		logger.Error("parsing AOR", "error", err)
		return
	}
	if err := sip.ParseUri(fmt.Sprintf("sip:%s@%s", username, registrarDomain), &contact); err != nil {
		logger.Error("parsing contact", "error", err)
		return
	}

	acct := registration.Account{
		Key:           fmt.Sprintf("%s@%s", username, domain),
		AOR:           aor,
		NormalContact: contact,
		Credentials:   digestauth.Credentials{Username: username, Password: password},
	}
	if err := ua.RegisterAccount(acct); err != nil {
		logger.Error("starting registration", "error", err)
		return
	}

	ua.SubscribeRegistrationAggregate(func(summary registration.AggregatedSummary) {
		logger.Info("registration status", "summary", summary)
	})
}

// mediaFactory returns a media-engine constructor backed by rtpengine.Engine
// and a best-effort UDP RTP socket, mirroring the teacher's canned-SDP
// approach in cmd/test_sip/main.go but producing a real Engine instead of a
// bare string.
func mediaFactory(host string) func(callID string) (mediaengine.Engine, error) {
	return func(callID string) (mediaengine.Engine, error) {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("0.0.0.0"), Port: 0})
		if err != nil {
			return nil, fmt.Errorf("sipagent: opening RTP socket: %w", err)
		}
		port := conn.LocalAddr().(*net.UDPAddr).Port

		offer := fmt.Sprintf(
			"v=0\r\no=sipagent %d %d IN IP4 %s\r\ns=-\r\nc=IN IP4 %s\r\nt=0 0\r\nm=audio %d RTP/AVP 0 101\r\na=rtpmap:0 PCMU/8000\r\na=rtpmap:101 telephone-event/8000\r\na=sendrecv\r\n",
			time.Now().Unix(), time.Now().Unix(), host, host, port,
		)

		sink := &udpSink{conn: conn, dst: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}}
		return rtpengine.New(sink, offer, rand.Uint32(), 101), nil
	}
}

// udpSink is a PacketSink that marshals and writes each RTP packet to a
// fixed loopback destination — enough to exercise rtpengine's RFC 2833
// encoding path without a real peer.
type udpSink struct {
	conn *net.UDPConn
	dst  *net.UDPAddr
}

func (s *udpSink) WriteRTP(pkt *rtp.Packet) error {
	if s.dst == nil {
		return nil
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(buf, s.dst)
	return err
}

func extractHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
