package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	eventstypes "github.com/containerd/containerd/api/events"
	taskapi "github.com/containerd/containerd/api/runtime/task/v2"
	apitypes "github.com/containerd/containerd/api/types"
	cdruntime "github.com/containerd/containerd/v2/core/runtime"
	"github.com/containerd/errdefs"
	"github.com/containerd/typeurl/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/wazero-shim/containerd-shim-wazero/internal/engine"
	"github.com/wazero-shim/containerd-shim-wazero/internal/events"
	"github.com/wazero-shim/containerd-shim-wazero/internal/hooks"
	"github.com/wazero-shim/containerd-shim-wazero/internal/instance"
	"github.com/wazero-shim/containerd-shim-wazero/internal/sysx"
)

// Local is the ttrpc-facing task service multiplexing every container
// this shim process hosts, ported from sandbox/shim/local.rs's Local<T>.
type Local struct {
	namespace         string
	containerdAddress string
	engine            engine.Engine
	selfPath          string
	events            events.Publisher

	mu        sync.RWMutex
	instances map[string]*Data

	onShutdown func(now bool)

	// newInstance builds the Instance backing a new task; it defaults to
	// instance.New but is overridden in tests with a fake, the same seam
	// discussed on the Instance interface above Data.
	newInstance func(ctx context.Context, id string, cfg *instance.Config) (Instance, error)
}

var _ taskapi.TTRPCTaskService = (*Local)(nil)

// NewLocal constructs a Local bound to the given engine and identity.
func NewLocal(eng engine.Engine, namespace, containerdAddress, selfPath string, pub events.Publisher) *Local {
	l := &Local{
		namespace:         namespace,
		containerdAddress: containerdAddress,
		engine:            eng,
		selfPath:          selfPath,
		events:            pub,
		instances:         make(map[string]*Data),
	}
	l.newInstance = func(ctx context.Context, id string, cfg *instance.Config) (Instance, error) {
		return instance.New(ctx, id, cfg, l.selfPath)
	}
	return l
}

// IsEmpty reports whether no task is tracked any more, used by Shutdown
// to decide whether it should actually terminate the process.
func (l *Local) IsEmpty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.instances) == 0
}

// SetShutdownFunc registers the callback the Shutdown RPC invokes once
// its preconditions hold. now reports whether the client requested an
// immediate exit rather than a graceful one.
func (l *Local) SetShutdownFunc(f func(now bool)) {
	l.onShutdown = f
}

func (l *Local) get(id string) (*Data, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", errdefs.ErrNotFound, id)
	}
	return d, nil
}

func (l *Local) publish(ctx context.Context, topic string, ev interface{}) {
	if l.events == nil {
		return
	}
	l.events.Publish(ctx, topic, ev)
}

// Create builds a new Instance for the task, mounts its rootfs, runs
// prestart hooks, and registers it, in the order spec.md's Create row
// lists: mkdir rootfs, mount rootfs, init InstanceData, run OCI
// prestart hooks, insert into map, publish TaskCreate. A prestart hook
// failure fails the RPC outright rather than merely being logged,
// matching ordinary OCI runtime semantics (and the upstream Rust
// original's oci::setup_prestart_hooks(spec.hooks())? propagating its
// error out of task_create) — the task is never inserted into the map
// on that path; the rootfs mounts and the Instance built before the
// hooks ran are not torn down.
func (l *Local) Create(ctx context.Context, r *taskapi.CreateTaskRequest) (*taskapi.CreateTaskResponse, error) {
	if r.Checkpoint != "" {
		return nil, fmt.Errorf("%w: checkpoint/restore is not supported", errdefs.ErrInvalidArgument)
	}
	if r.Terminal {
		return nil, fmt.Errorf("%w: terminal attach is not supported", errdefs.ErrInvalidArgument)
	}

	l.mu.Lock()
	if _, exists := l.instances[r.ID]; exists {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s", errdefs.ErrAlreadyExists, r.ID)
	}
	l.mu.Unlock()

	rootfs := filepath.Join(r.Bundle, "rootfs")
	if err := os.MkdirAll(rootfs, 0o711); err != nil {
		return nil, fmt.Errorf("%w: mkdir rootfs: %v", errdefs.ErrUnknown, err)
	}

	mounts := make([]sysx.Mount, 0, len(r.Rootfs))
	for _, m := range r.Rootfs {
		mounts = append(mounts, sysx.Mount{Type: m.Type, Source: m.Source, Target: rootfs, Options: m.Options})
	}
	if err := sysx.MountAll(mounts); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrUnknown, err)
	}

	cfg := instance.NewConfig(l.engine, l.namespace, l.containerdAddress).
		WithBundle(r.Bundle).
		WithStdin(r.Stdin).
		WithStdout(r.Stdout).
		WithStderr(r.Stderr)

	inst, err := l.newInstance(ctx, r.ID, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrUnknown, err)
	}

	data := NewData(r.ID, inst)

	spec, specErr := loadHooks(r.Bundle)
	if specErr == nil && spec != nil && spec.Hooks != nil {
		if err := hooks.Run(spec.Hooks.Prestart); err != nil {
			return nil, fmt.Errorf("%w: prestart hook failed: %v", errdefs.ErrUnknown, err)
		}
	}

	l.mu.Lock()
	l.instances[r.ID] = data
	l.mu.Unlock()

	l.publish(ctx, cdruntime.TaskCreateEventTopic, &eventstypes.TaskCreate{
		ContainerID: r.ID,
		Bundle:      r.Bundle,
		Rootfs:      r.Rootfs,
		IO: &eventstypes.TaskIO{
			Stdin:    r.Stdin,
			Stdout:   r.Stdout,
			Stderr:   r.Stderr,
			Terminal: r.Terminal,
		},
		Pid: uint32(data.Pid()),
	})

	return &taskapi.CreateTaskResponse{Pid: uint32(data.Pid())}, nil
}

// Start starts the task's init process and begins watching for its
// exit, publishing TaskStart synchronously and TaskExit from a
// background goroutine once the instance resolves, exactly preserving
// the ordering the Rust task_start establishes.
func (l *Local) Start(ctx context.Context, r *taskapi.StartRequest) (*taskapi.StartResponse, error) {
	if r.ExecID != "" {
		return nil, errdefs.ErrNotImplemented
	}
	d, err := l.get(r.ID)
	if err != nil {
		return nil, err
	}
	pid, err := d.Start(ctx)
	if err != nil {
		return nil, err
	}

	l.publish(ctx, cdruntime.TaskStartEventTopic, &eventstypes.TaskStart{
		ContainerID: r.ID,
		Pid:         uint32(pid),
	})

	go func() {
		res, err := d.Wait(context.Background())
		if err != nil {
			return
		}
		l.publish(context.Background(), cdruntime.TaskExitEventTopic, &eventstypes.TaskExit{
			ContainerID: r.ID,
			ID:          r.ID,
			Pid:         uint32(pid),
			ExitStatus:  res.Code,
			ExitedAt:    timestamppb.New(res.At),
		})
	}()

	return &taskapi.StartResponse{Pid: uint32(pid)}, nil
}

func (l *Local) Kill(ctx context.Context, r *taskapi.KillRequest) (*emptypb.Empty, error) {
	if r.ExecID != "" {
		return nil, errdefs.ErrNotImplemented
	}
	d, err := l.get(r.ID)
	if err != nil {
		return nil, err
	}
	if err := d.Kill(unix.Signal(r.Signal), r.All); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (l *Local) Delete(ctx context.Context, r *taskapi.DeleteRequest) (*taskapi.DeleteResponse, error) {
	if r.ExecID != "" {
		return nil, errdefs.ErrNotImplemented
	}
	d, err := l.get(r.ID)
	if err != nil {
		return nil, err
	}
	if err := d.Delete(ctx); err != nil {
		return nil, err
	}

	res, _ := d.TryWait()

	l.mu.Lock()
	delete(l.instances, r.ID)
	l.mu.Unlock()

	l.publish(ctx, cdruntime.TaskDeleteEventTopic, &eventstypes.TaskDelete{
		ContainerID: r.ID,
		Pid:         uint32(d.Pid()),
		ExitStatus:  res.Code,
		ExitedAt:    timestamppb.New(res.At),
	})

	return &taskapi.DeleteResponse{
		Pid:        uint32(d.Pid()),
		ExitStatus: res.Code,
		ExitedAt:   timestamppb.New(res.At),
	}, nil
}

func (l *Local) Wait(ctx context.Context, r *taskapi.WaitRequest) (*taskapi.WaitResponse, error) {
	if r.ExecID != "" {
		return nil, errdefs.ErrNotImplemented
	}
	d, err := l.get(r.ID)
	if err != nil {
		return nil, err
	}
	res, err := d.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return &taskapi.WaitResponse{ExitStatus: res.Code, ExitedAt: timestamppb.New(res.At)}, nil
}

func (l *Local) State(ctx context.Context, r *taskapi.StateRequest) (*taskapi.StateResponse, error) {
	if r.ExecID != "" {
		return nil, errdefs.ErrNotImplemented
	}
	d, err := l.get(r.ID)
	if err != nil {
		return nil, err
	}
	st := d.State()
	resp := &taskapi.StateResponse{
		ID:     r.ID,
		Pid:    uint32(d.Pid()),
		Status: stateToStatus(st),
	}
	if res, ok := d.TryWait(); ok {
		resp.ExitStatus = res.Code
		resp.ExitedAt = timestamppb.New(res.At)
	}
	return resp, nil
}

// Stats reports cgroup v2 metrics for the task's init process,
// best-effort: a cgroup that can't be read yields zero-value stats
// rather than failing the RPC, matching internal/sysx.ReadMetrics.
func (l *Local) Stats(ctx context.Context, r *taskapi.StatsRequest) (*taskapi.StatsResponse, error) {
	d, err := l.get(r.ID)
	if err != nil {
		return nil, err
	}
	metrics, err := sysx.ReadMetricsForPid(d.Pid())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrUnknown, err)
	}
	any, err := typeurl.MarshalAny(metrics)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal stats: %v", errdefs.ErrUnknown, err)
	}
	return &taskapi.StatsResponse{Stats: typeurl.MarshalProto(any)}, nil
}

func (l *Local) Connect(ctx context.Context, r *taskapi.ConnectRequest) (*taskapi.ConnectResponse, error) {
	d, err := l.get(r.ID)
	if err != nil {
		return nil, err
	}
	return &taskapi.ConnectResponse{ShimPid: uint32(shimPid()), TaskPid: uint32(d.Pid())}, nil
}

// Shutdown terminates the shim once it holds no tasks, matching
// local.rs's shutdown: only an empty task map is eligible at all, and
// Now then picks immediate termination over a graceful server
// shutdown. Never fails: a shutdown that can't yet proceed is simply a
// no-op, and the daemon is expected to retry once the map drains.
func (l *Local) Shutdown(ctx context.Context, r *taskapi.ShutdownRequest) (*emptypb.Empty, error) {
	if l.onShutdown != nil && l.IsEmpty() {
		l.onShutdown(r.Now)
	}
	return &emptypb.Empty{}, nil
}

// Pids reports only the task's init process.
//
// The methods after it (Pause, Resume, Checkpoint, Exec, ResizePty,
// CloseIO, Update) are not part of this shim's supported scope (no
// attach to a running task) and return ErrNotImplemented. They are
// enumerated rather than omitted so the ttrpc service interface is
// still fully satisfied, matching how hcsshim's own service keeps every
// method present even when a given backend can't support it.
func (l *Local) Pids(ctx context.Context, r *taskapi.PidsRequest) (*taskapi.PidsResponse, error) {
	d, err := l.get(r.ID)
	if err != nil {
		return nil, err
	}
	return &taskapi.PidsResponse{Processes: []*apitypes.ProcessInfo{{Pid: uint32(d.Pid())}}}, nil
}

func (l *Local) Pause(ctx context.Context, r *taskapi.PauseRequest) (*emptypb.Empty, error) {
	return nil, errdefs.ErrNotImplemented
}

func (l *Local) Resume(ctx context.Context, r *taskapi.ResumeRequest) (*emptypb.Empty, error) {
	return nil, errdefs.ErrNotImplemented
}

func (l *Local) Checkpoint(ctx context.Context, r *taskapi.CheckpointTaskRequest) (*emptypb.Empty, error) {
	return nil, errdefs.ErrNotImplemented
}

func (l *Local) Exec(ctx context.Context, r *taskapi.ExecProcessRequest) (*emptypb.Empty, error) {
	return nil, errdefs.ErrNotImplemented
}

func (l *Local) ResizePty(ctx context.Context, r *taskapi.ResizePtyRequest) (*emptypb.Empty, error) {
	return nil, errdefs.ErrNotImplemented
}

func (l *Local) CloseIO(ctx context.Context, r *taskapi.CloseIORequest) (*emptypb.Empty, error) {
	return nil, errdefs.ErrNotImplemented
}

func (l *Local) Update(ctx context.Context, r *taskapi.UpdateTaskRequest) (*emptypb.Empty, error) {
	return nil, errdefs.ErrNotImplemented
}

func stateToStatus(s State) apitypes.Status {
	switch s {
	case Created:
		return apitypes.Status_CREATED
	case Starting, Running:
		return apitypes.Status_RUNNING
	case Exited:
		return apitypes.Status_STOPPED
	default:
		return apitypes.Status_UNKNOWN
	}
}

func shimPid() int {
	return ttrpcServerPid
}

// ttrpcServerPid is set once by the Cli adapter at process start; kept
// here rather than calling os.Getpid() inline so Connect's behavior is
// easy to stub in tests.
var ttrpcServerPid int

// SetShimPid records this process's pid for Connect responses.
func SetShimPid(pid int) { ttrpcServerPid = pid }

func loadHooks(bundle string) (*specs.Spec, error) {
	return instance.LoadSpec(bundle)
}
