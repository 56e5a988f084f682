package mainboilerplate

import (
	log "github.com/sirupsen/logrus"
)

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"warn" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
	Caller bool   `long:"caller" env:"CALLER" description:"Annotate log events with the calling function"`
}

// InitLog configures the logger. Events carry a "gateway" field of |id|,
// if non-empty, so that logs of a fleet of gateways may be told apart.
func InitLog(cfg LogConfig, id string) {
	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{
			FieldMap: log.FieldMap{log.FieldKeyTime: "ts"},
		})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	}
	log.SetReportCaller(cfg.Caller)

	if id != "" {
		log.AddHook(gatewayHook(id))
	}

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}

// gatewayHook adds a "gateway" field to every log event.
type gatewayHook string

func (gatewayHook) Levels() []log.Level { return log.AllLevels }

func (h gatewayHook) Fire(e *log.Entry) error {
	if _, ok := e.Data["gateway"]; !ok {
		e.Data["gateway"] = string(h)
	}
	return nil
}
