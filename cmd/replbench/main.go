// replbench runs an in-process primary/secondary replication pair and
// reports throughput and progress. It exists to exercise the full
// replication path -- sequencing, sending, buffering, ordered dispatch,
// acknowledgement -- without a cluster.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"go.keel.dev/core/async"
	"go.keel.dev/core/replication"
	"go.keel.dev/core/replicator"
	"go.keel.dev/core/transport"
)

var Config = new(struct {
	Replication replication.Options `group:"Replication" namespace:"replication" env-namespace:"REPLICATION"`
})

type cmdRun struct {
	Secondaries int  `long:"secondaries" default:"2" description:"Number of secondary replicas."`
	Operations  int  `long:"operations" default:"1000" description:"Operations to replicate."`
	PayloadSize int  `long:"payload-size" default:"1024" description:"Payload bytes per operation."`
	TCP         bool `long:"tcp" description:"Run over the TCP transport rather than in-process."`
}

// newTransport returns a transport and the address to publish for a
// replica of |endpoint|. The in-process transport addresses replicas by
// endpoint; TCP listens per the configured replicator addresses.
func (cmd *cmdRun) newTransport(inproc *transport.Inproc, endpoint string) (transport.Transport, string, error) {
	if !cmd.TCP {
		return inproc, endpoint, nil
	}
	var tr, err = transport.NewTCP(Config.Replication.ReplicatorListenAddress)
	if err != nil {
		return nil, "", err
	}
	var publish = Config.Replication.ReplicatorPublishAddress
	if publish == "" {
		publish = tr.Address()
	}
	return tr, publish, nil
}

// benchProvider is a minimal in-memory state provider.
type benchProvider struct {
	lastCommitted int64
}

func (p *benchProvider) GetLastCommittedSequenceNumber() int64 { return p.lastCommitted }
func (p *benchProvider) UpdateEpoch(context.Context, replication.Epoch, int64) error {
	return nil
}
func (p *benchProvider) OnDataLoss(context.Context) (bool, error)  { return false, nil }
func (p *benchProvider) GetCopyContext() replication.CopyStream    { return nil }
func (p *benchProvider) GetCopyState(uptoLsn int64, ctx replication.CopyStream) (replication.CopyStream, error) {
	return emptyStream{}, nil
}

type emptyStream struct{}

func (emptyStream) Next(context.Context) (*replication.OperationData, error) { return nil, nil }

func (cmd *cmdRun) Execute([]string) error {
	var opts = Config.Replication
	var partition = uuid.New()
	var inproc = transport.NewInproc()

	var primaryID = replication.NewEndpointID(partition, 1)
	var ptr, primaryAddr, err = cmd.newTransport(inproc, primaryID.String())
	if err != nil {
		return err
	}
	var primary *replicator.Primary
	if primary, err = replicator.NewPrimary(
		opts, primaryID, primaryAddr, replication.Epoch{Configuration: 1},
		new(benchProvider), ptr); err != nil {
		return err
	}
	if err = primary.Open(); err != nil {
		return err
	}

	var infos []replication.ReplicaInfo
	var secondaries []*replicator.Secondary

	for i := 0; i != cmd.Secondaries; i++ {
		var id = replication.NewEndpointID(partition, int64(i+2))
		var str, addr, err = cmd.newTransport(inproc, id.String())
		if err != nil {
			return err
		}
		var sec *replicator.Secondary
		if sec, err = replicator.NewSecondary(
			opts, id, addr, replication.Epoch{Configuration: 1},
			new(benchProvider), str, false); err != nil {
			return err
		}
		if err = sec.Open(); err != nil {
			return err
		}
		secondaries = append(secondaries, sec)
		infos = append(infos, replication.ReplicaInfo{
			ID: id, Address: addr, CurrentProgress: -1,
		})

		// Drain the secondary's stream, acknowledging every operation.
		go func(sec *replicator.Secondary) {
			var stream = sec.ReplicationStream()
			for {
				var op, err = stream.GetOperation(context.Background())
				if err != nil || op == nil {
					return
				}
				stream.Acknowledge(op.LSN())
				op.Release()
			}
		}(sec)
	}

	var quorum = cmd.Secondaries/2 + 1
	if err = primary.UpdateCurrentConfiguration(infos, quorum, nil); err != nil {
		return err
	}

	if cmd.Operations <= 0 {
		return fmt.Errorf("--operations must be positive")
	}
	var payload = make([]byte, cmd.PayloadSize)
	var started = time.Now()
	var last *async.CompletionSource

	for i := 0; i != cmd.Operations; i++ {
		var _, cs, err = primary.Replicate(context.Background(),
			replication.OperationData{Buffers: [][]byte{payload}})
		if err != nil {
			return err
		}
		last = cs
	}
	<-last.Done()
	if err = last.Err(); err != nil {
		return err
	}
	var elapsed = time.Since(started)

	log.WithFields(log.Fields{
		"operations": cmd.Operations,
		"elapsed":    elapsed,
		"perSecond":  fmt.Sprintf("%.0f", float64(cmd.Operations)/elapsed.Seconds()),
		"progress":   primary.GetCurrentProgress(),
	}).Info("replication complete")

	for _, sec := range secondaries {
		_ = sec.Close(true)
	}
	return primary.Close()
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	var _, err = parser.AddCommand("run", "Run a replication benchmark",
		"Replicate operations through an in-process primary/secondary pair", &cmdRun{})
	if err != nil {
		log.WithField("err", err).Fatal("failed to add run command")
	}
	if _, err = parser.Parse(); err != nil {
		os.Exit(1)
	}
}
