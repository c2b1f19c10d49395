// mock-agent subscribes to every capability task subject and answers with
// canned analysis results, so the coordinator can be exercised end to end
// without real analyzer services. It also publishes a sample alert when
// started with -fire.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
)

type agentTask struct {
	TaskID     string          `json:"task_id"`
	IncidentID string          `json:"incident_id"`
	Capability string          `json:"capability"`
	Payload    json.RawMessage `json:"payload"`
}

type agentResponse struct {
	TaskID     string          `json:"task_id"`
	IncidentID string          `json:"incident_id"`
	Capability string          `json:"capability"`
	Result     json.RawMessage `json:"result,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
}

var capabilities = []string{
	"metric", "log", "deployment", "tracing",
	"root_cause", "runbook", "notification", "postmortem",
}

func main() {
	var (
		natsURL = flag.String("nats", nats.DefaultURL, "NATS server URL")
		delay   = flag.Duration("delay", 250*time.Millisecond, "artificial analysis latency")
		skip    = flag.String("skip", "", "comma-separated capabilities to never answer (simulates timeouts)")
		fire    = flag.Bool("fire", false, "publish a sample alert on startup")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "mock-agent ", log.LstdFlags|log.Lmicroseconds)

	nc, err := nats.Connect(*natsURL, nats.MaxReconnects(-1))
	if err != nil {
		logger.Fatalf("connect: %v", err)
	}
	defer nc.Drain()

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatalf("jetstream: %v", err)
	}

	skipped := map[string]bool{}
	for _, name := range splitComma(*skip) {
		skipped[name] = true
	}

	for _, capability := range capabilities {
		capability := capability
		subject := capability + "_agent"
		sub, err := js.PullSubscribe(subject, "mock-"+capability, nats.AckExplicit())
		if err != nil {
			logger.Fatalf("subscribe %s: %v", subject, err)
		}
		go func() {
			for {
				msgs, err := sub.Fetch(1, nats.MaxWait(5*time.Second))
				if err != nil {
					continue
				}
				for _, msg := range msgs {
					handle(logger, js, capability, msg, *delay, skipped[capability])
				}
			}
		}()
		logger.Printf("listening on %s", subject)
	}

	if *fire {
		publishSampleAlert(logger, js)
	}

	wait := make(chan os.Signal, 1)
	signal.Notify(wait, syscall.SIGINT, syscall.SIGTERM)
	<-wait
	logger.Println("shutting down")
}

func handle(logger *log.Logger, js nats.JetStreamContext, capability string, msg *nats.Msg, delay time.Duration, skip bool) {
	var task agentTask
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		logger.Printf("%s: bad task: %v", capability, err)
		_ = msg.Term()
		return
	}
	if skip {
		logger.Printf("%s: dropping task %s (simulated timeout)", capability, task.TaskID)
		_ = msg.Ack()
		return
	}

	time.Sleep(delay)

	resp := agentResponse{
		TaskID:     task.TaskID,
		IncidentID: task.IncidentID,
		Capability: capability,
		Result:     cannedResult(capability),
		Success:    true,
	}
	data, _ := json.Marshal(resp)
	if _, err := js.Publish("orchestrator_response", data); err != nil {
		logger.Printf("%s: publish response: %v", capability, err)
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
	logger.Printf("%s: answered task %s for incident %s", capability, task.TaskID, task.IncidentID)
}

func cannedResult(capability string) json.RawMessage {
	switch capability {
	case "metric":
		return json.RawMessage(`{"anomaly": true, "metric": "http_error_rate", "baseline": 0.01, "observed": 0.42}`)
	case "log":
		return json.RawMessage(`{"top_pattern": "connection refused to payments:5432", "count": 318}`)
	case "deployment":
		return json.RawMessage(`{"recent_change": true, "artifact": "payments:v2.14.0", "deployed_minutes_ago": 11}`)
	case "tracing":
		return json.RawMessage(`{"slowest_edge": {"source": "checkout", "target": "payments", "p99_ms": 2150}}`)
	case "root_cause":
		return json.RawMessage(`{"summary": "payments v2.14.0 rollout exhausted its DB connection pool", "confidence": 0.82}`)
	case "runbook":
		return json.RawMessage(`{"actions": ["rollback payments to v2.13.2", "raise pool max_conns to 80"]}`)
	case "notification":
		return json.RawMessage(`{"notified": ["#payments-oncall"], "channel": "slack"}`)
	case "postmortem":
		return json.RawMessage(`{"doc": "postmortems/2026-09-payments-pool.md"}`)
	default:
		return json.RawMessage(`{}`)
	}
}

func publishSampleAlert(logger *log.Logger, js nats.JetStreamContext) {
	alert := map[string]any{
		"alert_id": fmt.Sprintf("dev-%d", time.Now().UnixNano()),
		"labels": map[string]string{
			"alertname": "HighErrorRate",
			"service":   "checkout",
			"instance":  "checkout-7f9c:8080",
			"severity":  "critical",
		},
		"annotations": map[string]string{
			"summary": "checkout 5xx rate above 5% for 5m",
		},
		"startsAt": time.Now().UTC().Format(time.RFC3339),
	}
	data, _ := json.Marshal(alert)
	if _, err := js.Publish("alert_stream", data); err != nil {
		logger.Printf("publish sample alert: %v", err)
		return
	}
	logger.Println("published sample alert")
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
