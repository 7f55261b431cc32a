package core

import (
	"encoding/json"
	"log/slog"

	formatjson "github.com/vpbank/oltpoller/format/json"
	"github.com/vpbank/oltpoller/models"
	"github.com/vpbank/oltpoller/producer/metrics"
	"github.com/vpbank/oltpoller/snmp/decoder"
	transportfile "github.com/vpbank/oltpoller/transport/file"
)

// TelemetrySink drives every decoded poll result and every received trap
// through the teacher's own produce → format → transport pipeline (spec §1
// lists these as out-of-scope collaborators the core "invokes but does not
// coordinate"). It is the seam between SNMPProbeExecutor's synchronous
// Execute call and that pipeline: unlike the teacher's channel-staged
// app.App, each probe here is already running on its own pool-slot
// goroutine, so there is no need for a separate fan-out stage — EmitPoll and
// EmitTrap just call straight through.
type TelemetrySink struct {
	producer  metrics.Producer
	formatter formatjson.Formatter
	transport transportfile.Transport
	logger    *slog.Logger
}

// NewTelemetrySink builds a TelemetrySink from its three collaborators. Any
// of producer/formatter/transport may be nil, in which case the sink is a
// no-op for that half of the pipeline — used by tests and by deployments
// that disable trap forwarding.
func NewTelemetrySink(producer metrics.Producer, formatter formatjson.Formatter, transport transportfile.Transport, logger *slog.Logger) *TelemetrySink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &TelemetrySink{producer: producer, formatter: formatter, transport: transport, logger: logger}
}

// EmitPoll produces, formats, and transports one decoded poll result,
// mirroring the teacher's startProduceStage/startFormatStage/
// startTransportStage chain. Errors are logged and swallowed — a telemetry
// failure must never fail the probe itself, which is already summarized and
// persisted independently by SNMPProbeExecutor.
func (s *TelemetrySink) EmitPoll(decoded decoder.DecodedPollResult) {
	if s == nil || s.producer == nil || s.formatter == nil || s.transport == nil {
		return
	}

	metric, err := s.producer.Produce(decoded)
	if err != nil {
		s.logger.Warn("telemetry: produce failed", "device", decoded.Device.Hostname, "object", decoded.ObjectDefKey, "error", err.Error())
		return
	}
	if len(metric.Metrics) == 0 {
		return
	}

	data, err := s.formatter.Format(&metric)
	if err != nil {
		s.logger.Warn("telemetry: format failed", "device", decoded.Device.Hostname, "error", err.Error())
		return
	}

	if err := s.transport.Send(data); err != nil {
		s.logger.Warn("telemetry: transport send failed", "device", decoded.Device.Hostname, "error", err.Error())
	}
}

// EmitTrap marshals and transports one received trap. Traps skip the
// producer/formatter stage entirely, matching the teacher's
// startTrapFormatStage, which json.Marshals the trap directly rather than
// routing it through the metrics Producer.
func (s *TelemetrySink) EmitTrap(trap models.SNMPTrap) {
	if s == nil || s.transport == nil {
		return
	}
	data, err := json.Marshal(&trap)
	if err != nil {
		s.logger.Warn("telemetry: trap marshal failed", "remote", trap.Device.Hostname, "error", err.Error())
		return
	}
	if err := s.transport.Send(data); err != nil {
		s.logger.Warn("telemetry: trap transport send failed", "remote", trap.Device.Hostname, "error", err.Error())
	}
}
