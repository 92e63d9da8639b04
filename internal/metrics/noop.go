package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

func (n *NoopCollector) UplinkConnected()                          {}
func (n *NoopCollector) UplinkDisconnected()                       {}
func (n *NoopCollector) BurstCompleted()                           {}
func (n *NoopCollector) CommandProcessed(command, outcome string)  {}
func (n *NoopCollector) AuthAttempt(success bool)                  {}
func (n *NoopCollector) AccountCreated()                           {}
func (n *NoopCollector) HashRequestEnqueued()                      {}
func (n *NoopCollector) HashRequestCompleted(durationSeconds float64) {}
func (n *NoopCollector) MailSent(disabled bool)                    {}
