package simulation

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/config"
	"github.com/limiquantix/consolidation/internal/datacenter"
)

// BuildDatacenter creates the hosts and VMs described by cfg and places
// every VM first-fit in host order. VMs start at the initial workload
// utilization.
func BuildDatacenter(cfg *config.Config, logger *zap.Logger) (*datacenter.Datacenter, error) {
	dc := datacenter.New(cfg.Datacenter.Name)

	for _, g := range cfg.Datacenter.Hosts {
		for i := 0; i < g.Count; i++ {
			h, err := datacenter.NewHost(datacenter.HostSpec{
				Name:   fmt.Sprintf("%s-%d", g.Name, i),
				Pes:    g.Pes,
				PeMips: g.PeMips,
				RAM:    g.RAM,
				BW:     g.BW,
				Power:  g.PowerModel(),
			}, cfg.Capacity, cfg.Simulation.HistorySize, logger)
			if err != nil {
				return nil, fmt.Errorf("host group %s: %w", g.Name, err)
			}
			dc.AddHost(h)
		}
	}

	for _, g := range cfg.Datacenter.VMs {
		for i := 0; i < g.Count; i++ {
			vm := datacenter.NewVM(datacenter.VMSpec{
				Name: fmt.Sprintf("%s-%d", g.Name, i),
				Pes:  g.Pes,
				Mips: g.Mips,
				RAM:  g.RAM,
				BW:   g.BW,
			})
			vm.SetUtilization(cfg.Simulation.Workload.Initial)
			if err := dc.Place(vm, nil); err != nil {
				return nil, fmt.Errorf("initial placement: %w", err)
			}
		}
	}
	return dc, nil
}
