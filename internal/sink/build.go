package sink

import (
	"context"

	"github.com/tphakala/detectpipe/internal/conf"
)

// FromSettings builds the sinks enabled in settings. The directory sink is
// used only when annotation is on and save_dir is set. The caller owns the
// returned Multi and must Close it.
func FromSettings(ctx context.Context, s *conf.Settings) (Multi, error) {
	var sinks Multi

	if s.Predict.Annotate && s.Predict.SaveDir != "" {
		sinks = append(sinks, NewDirSink(s.Predict.SaveDir))
	}

	if s.Output.SQLite.Enabled {
		db, err := NewSQLiteSink(s.Output.SQLite.Path)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, db)
	}

	if s.Output.MQTT.Enabled {
		m := s.Output.MQTT
		pub, err := NewMQTTSink(ctx, MQTTConfig{
			Broker:   m.Broker,
			Topic:    m.Topic,
			ClientID: m.ClientID,
			Username: m.Username,
			Password: m.Password,
			QoS:      byte(m.QoS), //nolint:gosec // G115: validated to 0-2
			Retain:   m.Retain,
		})
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, pub)
	}

	return sinks, nil
}
