//go:build !linux

package connectivity

// NetlinkSource is only backed by route netlink on Linux. Elsewhere it never
// emits and the monitor relies on its sampler.
type NetlinkSource struct {
	logger Logger
}

func NewNetlinkSource(_ Prober, logger Logger) *NetlinkSource {
	return &NetlinkSource{logger: logger}
}

func (s *NetlinkSource) Subscribe(func(online bool)) func() {
	if s.logger != nil {
		s.logger.Printf("netlink source unsupported on this platform")
	}
	return func() {}
}
