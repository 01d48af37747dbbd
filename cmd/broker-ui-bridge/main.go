// Command broker-ui-bridge relays one run's progress subject
// (broker.<run_id>.progress, published by internal/broker/progress.NATSSink)
// to a browser over a websocket, the same transport the teacher uses for its
// own agent-to-UI tunnel. It is a thin transport shim kept outside the four
// core broker components (spec.md §1) — it exists only to give the progress
// channel an observable outbound edge.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lareview/broker/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	natsURL := flag.String("nats-url", os.Getenv("NATS_URL"), "NATS server URL")
	addr := flag.String("addr", ":8090", "HTTP listen address")
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "info", Format: "console", OutputPath: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *natsURL == "" {
		log.Error("broker-ui-bridge requires --nats-url or NATS_URL")
		os.Exit(1)
	}

	conn, err := nats.Connect(*natsURL)
	if err != nil {
		log.Error("failed to connect to NATS", zap.Error(err))
		os.Exit(1)
	}
	defer conn.Close()

	http.HandleFunc("/progress/", func(w http.ResponseWriter, r *http.Request) {
		runID := r.URL.Path[len("/progress/"):]
		if runID == "" {
			http.Error(w, "missing run id", http.StatusBadRequest)
			return
		}
		handleRunProgress(w, r, conn, runID, log)
	})

	log.Info("broker-ui-bridge listening", zap.String("addr", *addr))
	if err := http.ListenAndServe(*addr, nil); err != nil {
		log.Error("http server exited", zap.Error(err))
		os.Exit(1)
	}
}

// handleRunProgress upgrades the HTTP request to a websocket and relays
// every message published on broker.<runID>.progress until either side
// closes the connection.
func handleRunProgress(w http.ResponseWriter, r *http.Request, conn *nats.Conn, runID string, log *logger.Logger) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	subject := fmt.Sprintf("broker.%s.progress", runID)
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		if err := ws.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
			log.Debug("websocket write failed, closing subscription", zap.Error(err))
		}
	})
	if err != nil {
		log.Warn("nats subscribe failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	// Block until the client disconnects; the only inbound traffic we expect
	// is the close frame, so any read error ends the relay.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
