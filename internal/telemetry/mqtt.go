// Package telemetry publishes position and pipeline status over MQTT so a
// topside console can watch a deployed imager without pulling the medium.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Mike-Bollinger/BathyCat-Seabed-Imager-sub001/internal/gps"
)

type Config struct {
	Enable bool

	// Broker is the MQTT broker URL, e.g. tcp://localhost:1883.
	Broker   string
	ClientID string

	// TopicPrefix roots the published topics: <prefix>/position and
	// <prefix>/status.
	TopicPrefix string

	// Interval is the publish period.
	Interval time.Duration
}

// Source is what the publisher reads each tick.
type Source interface {
	Position() gps.Snapshot
	Status() any
}

type Snapshot struct {
	Enabled   bool   `json:"enabled"`
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	LastError string `json:"last_error,omitempty"`
}

// newClient is a seam for tests; production goes through paho.
var newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
	return mqtt.NewClient(opts)
}

type Publisher struct {
	cfg    Config
	src    Source
	clk    clock.Clock
	client mqtt.Client

	mu   sync.Mutex
	snap Snapshot

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, src Source, clk clock.Clock) *Publisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "bathycat-imager"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "bathycat"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Publisher{
		cfg:    cfg,
		src:    src,
		clk:    clk,
		stopCh: make(chan struct{}),
	}
}

func (p *Publisher) Snapshot() Snapshot {
	if p == nil {
		return Snapshot{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// Start connects in the background and begins the publish ticker. A broker
// that is down never blocks acquisition: paho keeps retrying and ticks are
// skipped until the connection is up.
func (p *Publisher) Start(ctx context.Context) error {
	if p == nil || !p.cfg.Enable {
		return nil
	}
	if p.src == nil {
		return fmt.Errorf("telemetry: source is nil")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(5 * time.Second)

	p.client = newClient(opts)
	p.client.Connect()

	p.mu.Lock()
	p.snap.Enabled = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()
	return nil
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	if p.client != nil {
		p.client.Disconnect(250)
	}
}

func (p *Publisher) run(ctx context.Context) {
	t := p.clk.Ticker(p.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-t.C:
			p.tick()
		}
	}
}

func (p *Publisher) tick() {
	connected := p.client.IsConnectionOpen()
	p.mu.Lock()
	p.snap.Connected = connected
	p.mu.Unlock()
	if !connected {
		return
	}

	p.publish(p.cfg.TopicPrefix+"/position", p.src.Position())
	p.publish(p.cfg.TopicPrefix+"/status", p.src.Status())
}

func (p *Publisher) publish(topic string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		p.recordError(fmt.Errorf("marshal %s: %w", topic, err))
		return
	}
	tok := p.client.Publish(topic, 0, false, b)
	// QoS 0 tokens complete immediately; a short wait catches client-side
	// failures without stalling the ticker.
	if tok.WaitTimeout(time.Second) && tok.Error() != nil {
		p.recordError(fmt.Errorf("publish %s: %w", topic, tok.Error()))
		return
	}

	p.mu.Lock()
	p.snap.Published++
	p.snap.LastError = ""
	p.mu.Unlock()
}

func (p *Publisher) recordError(err error) {
	log.Printf("telemetry: %v", err)
	p.mu.Lock()
	p.snap.LastError = err.Error()
	p.mu.Unlock()
}
