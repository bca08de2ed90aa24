// Command readaheadctl wires internal/localstore's on-disk EntryStore
// into an internal/readahead.Reader and exposes its health through
// internal/adminserver. It is a demo harness, not a production
// deployment: a single process opens the store and reads whatever segments
// it already holds; nothing in this command appends entries.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"sync"

	"go.opencensus.io/stats/view"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/dlstream/readahead/internal/adminserver"
	"github.com/dlstream/readahead/internal/auth"
	"github.com/dlstream/readahead/internal/entrystore"
	"github.com/dlstream/readahead/internal/localstore"
	"github.com/dlstream/readahead/internal/metrics"
	"github.com/dlstream/readahead/internal/readahead"
)

// Config carries the process's startup parameters, a plain Go value with
// no file format or env binding.
type Config struct {
	DataDir       string
	StreamName    string
	AdminBindAddr string
	ServerTLS     *tls.Config
	ACLModelFile  string
	ACLPolicyFile string

	ReadAheadMaxRecords           int
	ReadAheadBatchSize            int
	ReaderIdleWarnThresholdMillis int64
}

// Agent owns a store, a reader over it, and the admin health server,
// mirroring the setup/shutdown pipeline shape used elsewhere in this
// codebase's process wiring.
type Agent struct {
	Config

	store       *localstore.Store
	reader      *readahead.Reader
	recorder    *metrics.Recorder
	adminServer *grpc.Server
	stopPoller  func()

	shutdown     bool
	shutdowns    chan struct{}
	shutdownLock sync.Mutex
}

// New builds and starts an Agent: opens the store, constructs the
// reader, and starts the admin server, in that order.
func New(config Config) (*Agent, error) {
	a := &Agent{Config: config, shutdowns: make(chan struct{})}
	setup := []func() error{
		a.setupLogger,
		a.setupStore,
		a.setupReader,
		a.setupAdminServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupLogger() error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)
	return nil
}

func (a *Agent) setupStore() error {
	var err error
	a.store, err = localstore.Open(a.Config.DataDir)
	return err
}

func (a *Agent) setupReader() error {
	if err := view.Register(metrics.Views...); err != nil {
		return err
	}
	a.recorder = metrics.NewRecorder(a.Config.StreamName)

	var authorizer *auth.Authorizer
	if a.Config.ACLModelFile != "" && a.Config.ACLPolicyFile != "" {
		authorizer = auth.New(a.Config.ACLModelFile, a.Config.ACLPolicyFile)
	}

	cfg := readahead.Config{
		ReadAheadMaxRecords:           a.Config.ReadAheadMaxRecords,
		ReadAheadBatchSize:            a.Config.ReadAheadBatchSize,
		ReaderIdleWarnThresholdMillis: a.Config.ReaderIdleWarnThresholdMillis,
		Logger:                        zap.L(),
		Metrics:                       a.recorder,
	}
	if authorizer != nil {
		cfg.Authorizer = authorizer
	}

	a.reader = readahead.NewReader(a.Config.StreamName, a.store, a.store, entrystore.DLSN{SegSeqNo: 1, EntryID: 0}, cfg)
	a.recorder.MarkStarted()

	ctx := readahead.WithSubject(context.Background(), "root")
	initial, err := a.store.ReadLogSegments(ctx)
	if err != nil {
		return err
	}
	return a.reader.Start(ctx, initial)
}

func (a *Agent) setupAdminServer() error {
	var authorizer *auth.Authorizer
	if a.Config.ACLModelFile != "" && a.Config.ACLPolicyFile != "" {
		authorizer = auth.New(a.Config.ACLModelFile, a.Config.ACLPolicyFile)
	}

	var opts []grpc.ServerOption
	if a.Config.ServerTLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(a.Config.ServerTLS)))
	}

	var authIface adminserver.Authorizer
	if authorizer != nil {
		authIface = authorizer
	}
	gsrv, stopPoller, err := adminserver.NewGRPCServer(adminserver.Config{
		Reader:     a.reader,
		Authorizer: authIface,
	}, opts...)
	if err != nil {
		return err
	}
	a.adminServer = gsrv
	a.stopPoller = stopPoller

	ln, err := net.Listen("tcp", a.Config.AdminBindAddr)
	if err != nil {
		return err
	}
	go func() {
		if err := a.adminServer.Serve(ln); err != nil {
			_ = a.Shutdown()
		}
	}()
	return nil
}

// Shutdown tears the agent down in reverse dependency order, safe to
// call more than once.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true
	close(a.shutdowns)

	a.stopPoller()
	a.adminServer.GracefulStop()
	<-a.reader.Close()
	return a.store.Close()
}

func main() {
	dataDir := flag.String("data-dir", "/var/lib/readaheadctl", "directory for the on-disk store")
	stream := flag.String("stream", "demo-stream", "log stream name")
	adminAddr := flag.String("admin-addr", "127.0.0.1:8400", "bind address for the health check server")
	aclModel := flag.String("acl-model-file", "", "casbin ACL model file")
	aclPolicy := flag.String("acl-policy-file", "", "casbin ACL policy file")
	flag.Parse()

	agent, err := New(Config{
		DataDir:                       *dataDir,
		StreamName:                    *stream,
		AdminBindAddr:                 *adminAddr,
		ACLModelFile:                  *aclModel,
		ACLPolicyFile:                 *aclPolicy,
		ReadAheadMaxRecords:           100,
		ReadAheadBatchSize:            10,
		ReaderIdleWarnThresholdMillis: 5000,
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	<-agent.shutdowns
}
