// Package mqtt connects the daemon to the broker: member and sensor state
// flows in to the registry, group state flows out retained, group commands
// come in off command topics and member commands go back out on them.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/daenny/climate-group/internal/climate"
	"github.com/daenny/climate-group/internal/dispatch"
	"github.com/daenny/climate-group/internal/metrics"
	"github.com/daenny/climate-group/internal/registry"
)

const (
	qosStates   byte = 0
	qosCommands byte = 1

	// commandTimeout bounds the dispatch of one ingested group command.
	commandTimeout = 30 * time.Second
)

// Options carries broker connection settings.
type Options struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	BaseTopic string

	ConnectTimeout  time.Duration
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	RateLimitRPS    float64

	Discovery Discovery
}

// Discovery carries Home Assistant MQTT discovery settings.
type Discovery struct {
	Enabled bool
	Prefix  string
	NodeID  string
}

// Route wires one group onto the broker.
type Route struct {
	GroupID  string
	Name     string
	ObjectID string
	Unit     climate.Unit
	Watch    []string // member and sensor ids ingested from state topics
}

// StateStore is the slice of the registry the bridge uses.
type StateStore interface {
	Set(entityID, state string, attrs any) error
	Subscribe(entityIDs []string, h registry.Handler) func()
}

// Caller dispatches ingested group commands.
type Caller interface {
	Call(ctx context.Context, call dispatch.Call) error
}

// Bridge is the MQTT edge of the daemon.
type Bridge struct {
	opts   Options
	routes []Route
	store  StateStore
	caller Caller
	mets   *metrics.Metrics

	client  paho.Client
	limiter *rate.Limiter

	unsubscribe func()
}

// New creates a bridge. mets may be nil.
func New(opts Options, routes []Route, store StateStore, caller Caller, mets *metrics.Metrics) *Bridge {
	rps := opts.RateLimitRPS
	if rps <= 0 {
		rps = 10.0
	}

	return &Bridge{
		opts:    opts,
		routes:  routes,
		store:   store,
		caller:  caller,
		mets:    mets,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
	}
}

// Start connects to the broker and begins routing. The initial connect must
// succeed within ConnectTimeout or startup fails; connection losses after
// that are retried with capped backoff.
func (b *Bridge) Start(ctx context.Context) error {
	copts := paho.NewClientOptions()
	copts.AddBroker(b.opts.Broker)
	copts.SetClientID(b.opts.ClientID)
	if b.opts.Username != "" {
		copts.SetUsername(b.opts.Username)
		copts.SetPassword(b.opts.Password)
	}
	// Handlers may block on the dispatch bus, so message order cannot matter.
	copts.SetOrderMatters(false)
	copts.SetAutoReconnect(true)
	copts.SetConnectRetry(true)
	copts.SetConnectRetryInterval(b.opts.MinRetryBackoff)
	copts.SetMaxReconnectInterval(b.opts.MaxRetryBackoff)
	copts.SetOnConnectHandler(b.onConnect)
	copts.SetConnectionLostHandler(b.onConnectionLost)

	b.client = paho.NewClient(copts)

	token := b.client.Connect()
	if !token.WaitTimeout(b.opts.ConnectTimeout) {
		b.client.Disconnect(0)
		return fmt.Errorf("mqtt broker %s: connect timed out after %s", b.opts.Broker, b.opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt broker %s: %w", b.opts.Broker, err)
	}

	groupIDs := make([]string, len(b.routes))
	for i, r := range b.routes {
		groupIDs[i] = r.GroupID
	}
	b.unsubscribe = b.store.Subscribe(groupIDs, b.onGroupState)

	log.Info().
		Str("broker", b.opts.Broker).
		Str("base_topic", b.opts.BaseTopic).
		Int("groups", len(b.routes)).
		Msg("MQTT bridge connected")
	return nil
}

// Stop detaches from the registry and disconnects from the broker.
func (b *Bridge) Stop() {
	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	log.Debug().Msg("MQTT bridge stopped")
}

// Ready reports whether the broker connection is up.
func (b *Bridge) Ready() bool {
	return b.client != nil && b.client.IsConnectionOpen()
}

// onConnect runs on every (re)connect. Subscriptions do not survive a broker
// session reset, so they are established here rather than in Start.
func (b *Bridge) onConnect(c paho.Client) {
	states := make(map[string]byte)
	commands := make(map[string]byte)
	for _, r := range b.routes {
		commands[commandTopic(b.opts.BaseTopic, r.GroupID)] = qosCommands
		for _, id := range r.Watch {
			states[stateTopic(b.opts.BaseTopic, id)] = qosStates
		}
	}

	if len(states) > 0 {
		if token := c.SubscribeMultiple(states, b.onStateMessage); token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Msg("Failed to subscribe to state topics")
		}
	}
	if len(commands) > 0 {
		if token := c.SubscribeMultiple(commands, b.onGroupCommand); token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Msg("Failed to subscribe to command topics")
		}
	}

	log.Info().Int("state_topics", len(states)).Int("command_topics", len(commands)).Msg("MQTT subscriptions established")

	if b.opts.Discovery.Enabled {
		b.publishDiscovery(c)
	}
}

func (b *Bridge) onConnectionLost(_ paho.Client, err error) {
	if b.mets != nil {
		b.mets.MQTTReconnects.Inc()
	}
	log.Warn().Err(err).Msg("MQTT connection lost, reconnecting")
}

// onStateMessage ingests a member or sensor state into the registry.
func (b *Bridge) onStateMessage(_ paho.Client, msg paho.Message) {
	entityID, ok := entityFromStateTopic(b.opts.BaseTopic, msg.Topic())
	if !ok {
		log.Warn().Str("topic", msg.Topic()).Msg("Ignoring message on unexpected state topic")
		return
	}
	if b.mets != nil {
		b.mets.MQTTMessages.WithLabelValues("rx").Inc()
	}

	state, attrs := decodeState(msg.Payload())
	if err := b.store.Set(entityID, state, attrs); err != nil {
		log.Warn().Err(err).Str("entity_id", entityID).Msg("Failed to store entity state")
	}
}

// onGroupCommand dispatches a command addressed to one of our groups.
func (b *Bridge) onGroupCommand(_ paho.Client, msg paho.Message) {
	groupID, ok := groupFromCommandTopic(b.opts.BaseTopic, msg.Topic())
	if !ok {
		log.Warn().Str("topic", msg.Topic()).Msg("Ignoring message on unexpected command topic")
		return
	}
	if b.mets != nil {
		b.mets.MQTTMessages.WithLabelValues("rx").Inc()
	}

	var cmd commandMessage
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		log.Warn().Err(err).Str("group", groupID).Msg("Ignoring malformed command payload")
		return
	}
	if cmd.Service == "" {
		log.Warn().Str("group", groupID).Msg("Ignoring command without a service name")
		return
	}

	data := make(map[string]any, len(cmd.Data)+1)
	for k, v := range cmd.Data {
		data[k] = v
	}
	data[climate.KeyEntityID] = groupID

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	call := dispatch.Call{Domain: climate.Domain, Service: cmd.Service, Data: data}
	if err := b.caller.Call(ctx, call); err != nil {
		log.Error().Err(err).Str("group", groupID).Str("service", cmd.Service).Msg("Group command failed")
	}
}

// onGroupState publishes a group's snapshot retained on its state topic.
func (b *Bridge) onGroupState(entityID string, _, newState *registry.Snapshot) {
	payload, err := json.Marshal(stateMessage{State: newState.State, Attributes: newState.Attributes})
	if err != nil {
		log.Error().Err(err).Str("entity_id", entityID).Msg("Failed to encode group state")
		return
	}

	token := b.client.Publish(stateTopic(b.opts.BaseTopic, entityID), qosStates, true, payload)
	if token.Wait() && token.Error() != nil {
		log.Warn().Err(token.Error()).Str("entity_id", entityID).Msg("Failed to publish group state")
		return
	}
	if b.mets != nil {
		b.mets.MQTTMessages.WithLabelValues("tx").Inc()
	}
}

// ForwardCommands is the dispatch fallback: it publishes one command message
// per member and waits for broker acknowledgement, so bus callers get
// blocking semantics end to end.
func (b *Bridge) ForwardCommands(ctx context.Context, call dispatch.Call, targets []string) error {
	payload, err := commandPayload(call)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}

	var errs []error
	for _, id := range targets {
		if err := b.limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}

		token := b.client.Publish(commandTopic(b.opts.BaseTopic, id), qosCommands, false, payload)
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				continue
			}
			if b.mets != nil {
				b.mets.MQTTMessages.WithLabelValues("tx").Inc()
			}
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}

// commandPayload encodes a service call for member command topics. Targets
// travel in the topic, not the payload.
func commandPayload(call dispatch.Call) ([]byte, error) {
	data := make(map[string]any, len(call.Data))
	for k, v := range call.Data {
		if k == climate.KeyEntityID {
			continue
		}
		data[k] = v
	}
	return json.Marshal(commandMessage{Service: call.Service, Data: data})
}

func (b *Bridge) publishDiscovery(c paho.Client) {
	for _, r := range b.routes {
		payload, err := discoveryConfig(b.opts.Discovery, b.opts.BaseTopic, r)
		if err != nil {
			log.Error().Err(err).Str("group", r.GroupID).Msg("Failed to encode discovery config")
			continue
		}

		topic := discoveryTopic(b.opts.Discovery.Prefix, b.opts.Discovery.NodeID, r.ObjectID)
		if token := c.Publish(topic, qosCommands, true, payload); token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Str("group", r.GroupID).Msg("Failed to announce discovery config")
			continue
		}
		log.Debug().Str("group", r.GroupID).Str("topic", topic).Msg("Discovery config announced")
	}
}
