package registry

import (
	"context"
	"fmt"

	"github.com/glueforge/commlink/pkg/adapter"
	"github.com/glueforge/commlink/pkg/canbus"
	"github.com/glueforge/commlink/pkg/config"
	"github.com/glueforge/commlink/pkg/engine"
	"github.com/glueforge/commlink/pkg/frame"
	"github.com/glueforge/commlink/pkg/modbus"
	"github.com/glueforge/commlink/pkg/stats"
	"github.com/glueforge/commlink/pkg/supervisor"
)

// buildLink assembles adapter, codec, engine and supervisor for one
// validated config. Called with the registry lock held.
func (r *Registry) buildLink(name string, cfg config.LinkConfig) (*link, error) {
	l := &link{name: name, cfg: cfg, stats: stats.NewStatistics()}

	ad, err := buildAdapter(cfg)
	if err != nil {
		return nil, err
	}
	l.ad = ad

	codec, err := l.buildCodec(cfg)
	if err != nil {
		return nil, err
	}

	l.eng = engine.New(ad, codec, engine.Config{
		LinkName:       name,
		HalfDuplex:     cfg.HalfDuplex(),
		SeqOnWire:      cfg.Kind == config.TransportModbusTCP,
		DefaultTimeout: cfg.Timeout,
		DefaultRetries: cfg.MaxRetries,
		Logger:         r.log,
		Stats:          l.stats,
		EventLog:       r.eventLog,
		OnUnsolicited: func(f *frame.Frame) {
			r.dispatch.publish(Notification{Link: name, Kind: NotifyFrame, Frame: f})
		},
		OnFrameSent: func(f *frame.Frame) {
			r.dispatch.publish(Notification{Link: name, Kind: NotifyFrameSent, Frame: f})
		},
		OnFrameReceived: func(f *frame.Frame) {
			r.dispatch.publish(Notification{Link: name, Kind: NotifyFrameReceived, Frame: f})
		},
	})

	l.sup = supervisor.New(ad, l.eng, supervisor.Config{
		LinkName:          name,
		AutoReconnect:     cfg.AutoReconnect,
		BackoffBase:       r.defaults.ReconnectBackoffBase,
		BackoffMax:        r.defaults.ReconnectMaxDelay,
		MaxAttempts:       r.defaults.MaxReconnectAttempts,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Heartbeat:         l.heartbeat(),
		Passive:           cfg.Kind == config.TransportTCPServer,
		Logger:            r.log,
		Stats:             l.stats,
		EventLog:          r.eventLog,
		OnStateChange: func(old, now adapter.LinkState) {
			r.dispatch.publish(Notification{Link: name, Kind: NotifyState, OldState: old, State: now})
		},
		OnExhausted: func() {
			r.dispatch.publish(Notification{Link: name, Kind: NotifyReconnectExhausted})
		},
	})

	if cfg.IsModbus() {
		l.mb = modbus.NewClient(l.eng)
	}
	if cfg.Kind == config.TransportCAN {
		l.canSender = canbus.NewSender(l.eng)
	}

	// one event func per adapter, demultiplexed to engine and supervisor
	sup := l.sup
	eng := l.eng
	ad.SetEventFunc(func(ev adapter.Event) {
		switch ev.Kind {
		case adapter.EventBytesAvailable:
			eng.NotifyBytes()
		case adapter.EventStateChanged:
			sup.HandleAdapterEvent(ev)
		case adapter.EventError:
			sup.HandleAdapterEvent(ev)
			r.dispatch.publish(Notification{Link: name, Kind: NotifyError, Err: ev.Err})
		}
	})

	return l, nil
}

// buildAdapter maps the transport kind onto its adapter
func buildAdapter(cfg config.LinkConfig) (adapter.Adapter, error) {
	switch cfg.Kind {
	case config.TransportSerial:
		return adapter.NewSerial(*cfg.Serial), nil
	case config.TransportTCPClient:
		return adapter.NewTCPClient(*cfg.TCPClient), nil
	case config.TransportTCPServer:
		return adapter.NewTCPServer(*cfg.TCPServer), nil
	case config.TransportUDP:
		return adapter.NewUDP(*cfg.UDP), nil
	case config.TransportQUIC:
		return adapter.NewQUICClient(*cfg.QUIC, nil), nil
	case config.TransportModbusRTU:
		return adapter.NewSerial(cfg.ModbusRTU.Serial), nil
	case config.TransportModbusTCP:
		return adapter.NewTCPClient(config.TCPClientParams{
			Host: cfg.ModbusTCP.Host,
			Port: cfg.ModbusTCP.Port,
		}), nil
	case config.TransportCAN:
		return adapter.NewSocketCAN(*cfg.CAN), nil
	default:
		return nil, fmt.Errorf("%w: kind %q", config.ErrInvalidConfig, cfg.Kind)
	}
}

// buildCodec maps the transport kind onto its wire codec
func (l *link) buildCodec(cfg config.LinkConfig) (engine.Codec, error) {
	switch cfg.Kind {
	case config.TransportModbusRTU:
		return modbus.NewRTUCodec(cfg.ModbusRTU.SlaveID), nil
	case config.TransportModbusTCP:
		return modbus.NewTCPCodec(cfg.ModbusTCP.SlaveID), nil
	case config.TransportCAN:
		l.canFilters = canbus.NewFilterSet()
		for _, f := range cfg.CAN.Filters {
			l.canFilters.Add(canbus.Filter{ID: f.ID, Mask: f.Mask})
		}
		return canbus.NewCodec(l.canFilters), nil
	default:
		return frame.NewCodec(cfg.Checksum, cfg.CorrectSingleBit), nil
	}
}

// heartbeat returns the idle probe for this link's protocol family
func (l *link) heartbeat() supervisor.HeartbeatFunc {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.Timeout)
		defer cancel()

		switch l.cfg.Kind {
		case config.TransportModbusRTU, config.TransportModbusTCP:
			// any response, exception included, proves the peer is alive
			_, err := l.mb.ReadHoldingRegisters(ctx, 0, 1)
			if _, isExc := err.(modbus.Exception); isExc {
				return nil
			}
			return err
		case config.TransportCAN:
			return l.canSender.SendHeartbeat(0)
		default:
			h, err := l.eng.SubmitCommand(frame.CmdHeartbeat, nil)
			if err != nil {
				return err
			}
			select {
			case out := <-h.Done():
				if out.Kind != engine.OutcomeSuccess {
					return out.Err
				}
				return nil
			case <-ctx.Done():
				h.Cancel()
				return ctx.Err()
			}
		}
	}
}
