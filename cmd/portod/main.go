// Command portod is the daemon entry point: it loads configuration,
// wires the cgroup and volume subsystems together, and runs recovery
// before handing off to whatever RPC front-end is deployed alongside it.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/containerd/log"

	"github.com/blockspacer/porto/config"
	"github.com/blockspacer/porto/core/cgroups"
	"github.com/blockspacer/porto/core/quota"
	"github.com/blockspacer/porto/core/volume"
)

func main() {
	configPath := flag.String("config", "/etc/porto/portod.conf", "path to daemon configuration")
	flag.Parse()

	ctx := log.WithLogger(context.Background(), log.G(context.Background()).WithField("module", "portod"))
	if err := run(ctx, *configPath); err != nil {
		log.G(ctx).WithError(err).Fatal("portod: fatal error")
	}
}

// daemon bundles the long-lived subsystems main constructs once and
// threads through the process rather than reaching for package-level
// globals.
type daemon struct {
	cfg       *config.Config
	subsys    *cgroups.SubsystemRegistry
	cgroupReg *cgroups.Registry
	holder    *volume.VolumeHolder
	ledger    *quota.Ledger
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.RemoveTimeoutDuration > 0 {
		cgroups.RemoveTimeout = cfg.RemoveTimeoutDuration
	}

	d := &daemon{
		cfg:       cfg,
		subsys:    cgroups.NewSubsystemRegistry(),
		cgroupReg: cgroups.NewCgroupRegistry(),
	}

	roots, err := cgroups.Snapshot(d.cgroupReg, d.subsys)
	if err != nil {
		return err
	}
	log.G(ctx).WithField("roots", len(roots)).Info("discovered cgroup mounts")

	ledgerPath := filepath.Join(filepath.Dir(cfg.KVRoot), "quota-ledger.db")
	d.ledger, err = quota.OpenLedger(ledgerPath)
	if err != nil {
		return err
	}
	defer d.ledger.Close()

	kv, err := volume.NewDirKVStore(cfg.KVRoot)
	if err != nil {
		return err
	}

	place := &volume.Place{
		Root:           cfg.Place,
		VolumesDir:     cfg.VolumesDir,
		LayersDir:      cfg.LayersDir,
		OwnerGroup:     cfg.VolumeOwnerGroup,
		ChrootPortoDir: cfg.ChrootPortoDir,
	}
	d.holder = volume.NewVolumeHolder(kv, volume.QuotaConfig{Enabled: cfg.QuotaEnabled}, d.ledger, place)

	recovery := &volume.Recovery{
		Holder: d.holder,
		Place:  place,
		KV:     kv,
	}
	if err := recovery.Run(ctx); err != nil {
		return err
	}
	log.G(ctx).WithField("volumes", len(d.holder.ListPaths())).Info("volume recovery complete")

	return d.waitForShutdown(ctx)
}

func (d *daemon) waitForShutdown(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	log.G(ctx).Info("portod: shutting down")
	return nil
}
