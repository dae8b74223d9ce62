package soft

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/achilleasa/raygraph/backend"
	"github.com/achilleasa/raygraph/log"
)

// A stream executes queued launches in order on a dedicated worker goroutine.
type stream struct {
	logger log.Logger
	dev    *device

	sync.Mutex
	workerWg  sync.WaitGroup
	pendingWg sync.WaitGroup

	// A channel for receiving launch requests.
	launchChan chan backend.LaunchRequest

	// A channel for signaling the worker to exit.
	closeChan chan struct{}

	// The first launch error since the last Synchronize call.
	err error
}

func newStream(dev *device, index int) *stream {
	s := &stream{
		logger:     log.New(fmt.Sprintf("soft stream (%s/%d)", dev.info.Name, index)),
		dev:        dev,
		launchChan: make(chan backend.LaunchRequest, 16),
	}
	s.startWorker()
	return s
}

func (s *stream) startWorker() {
	// Worker already running
	if s.closeChan != nil {
		return
	}

	closeChan := make(chan struct{}, 0)
	s.closeChan = closeChan
	readyChan := make(chan struct{}, 0)
	s.workerWg.Add(1)
	go func() {
		defer s.workerWg.Done()
		close(readyChan)
		for {
			select {
			case req := <-s.launchChan:
				start := time.Now()
				err := s.execute(&req)
				if err != nil {
					s.Lock()
					if s.err == nil {
						s.err = err
					}
					s.Unlock()
					s.logger.Warningf("launch failed: %v", err)
				} else {
					s.logger.Debugf("%dx%d launch completed in %d ms", req.Width, req.Height, time.Since(start).Nanoseconds()/1e6)
				}
				s.pendingWg.Done()
			case <-closeChan:
				return
			}
		}
	}()

	// Wait for go-routine to start
	<-readyChan
}

func (s *stream) Launch2D(req backend.LaunchRequest) error {
	s.Lock()
	closed := s.closeChan == nil
	s.Unlock()
	if closed {
		return backend.ErrStreamClosed
	}

	pl, ok := req.Pipeline.(*pipeline)
	if !ok || pl == nil || pl.dev != s.dev || pl.released {
		return fmt.Errorf("soft stream: launch pipeline does not belong to %s: %w", s.dev.info, backend.ErrInvalidLaunch)
	}
	if req.Width <= 0 || req.Height <= 0 {
		return fmt.Errorf("soft stream: invalid launch dimensions %dx%d: %w", req.Width, req.Height, backend.ErrInvalidLaunch)
	}
	if req.SBT.RayGenRecordSize < backend.SBTRecordHeaderSize {
		return fmt.Errorf("soft stream: ray-gen record size %d is smaller than the record header: %w", req.SBT.RayGenRecordSize, backend.ErrInvalidLaunch)
	}

	s.pendingWg.Add(1)
	s.launchChan <- req
	return nil
}

// Run a launch on the worker goroutine.
func (s *stream) execute(req *backend.LaunchRequest) error {
	record := make([]byte, req.SBT.RayGenRecordSize)
	src, err := s.dev.resolve(req.SBT.RayGenRecord, len(record))
	if err != nil {
		return err
	}
	copy(record, src)

	if string(record[:4]) != string(headerMagic[:]) {
		return fmt.Errorf("soft stream: ray-gen record at 0x%x has no program header: %w", uint64(req.SBT.RayGenRecord), backend.ErrInvalidLaunch)
	}
	prog, ok := s.dev.lookupProgram(binary.LittleEndian.Uint32(record[4:]))
	if !ok || prog.kind != backend.RayGenProgram {
		return fmt.Errorf("soft stream: ray-gen record at 0x%x references an unknown program: %w", uint64(req.SBT.RayGenRecord), backend.ErrInvalidLaunch)
	}
	if !req.Pipeline.(*pipeline).programs[prog.id] {
		return fmt.Errorf("soft stream: program %s is not linked into the launch pipeline: %w", prog.symbol, backend.ErrInvalidLaunch)
	}

	fn, ok := s.dev.backend.rayGenKernel(prog.symbol)
	if !ok {
		return fmt.Errorf("soft stream: no kernel registered for %s", prog.symbol)
	}

	var params []byte
	if req.ParamsSize > 0 {
		if src, err = s.dev.resolve(req.Params, req.ParamsSize); err != nil {
			return err
		}
		params = append([]byte(nil), src...)
	}

	ctx := &KernelContext{dev: s.dev, SBT: req.SBT}
	idx := LaunchIndex{
		Width:  req.Width,
		Height: req.Height,
		Record: record[backend.SBTRecordHeaderSize:],
		Params: params,
	}
	for idx.Y = 0; idx.Y < req.Height; idx.Y++ {
		for idx.X = 0; idx.X < req.Width; idx.X++ {
			if err = fn(ctx, idx); err != nil {
				return fmt.Errorf("soft stream: kernel %s failed at (%d, %d): %w", prog.symbol, idx.X, idx.Y, err)
			}
		}
	}
	return nil
}

func (s *stream) Synchronize() error {
	s.pendingWg.Wait()

	s.Lock()
	defer s.Unlock()
	err := s.err
	s.err = nil
	return err
}

func (s *stream) Close() error {
	s.Lock()
	if s.closeChan == nil {
		s.Unlock()
		return backend.ErrStreamClosed
	}
	closeChan := s.closeChan
	s.closeChan = nil
	s.Unlock()

	s.pendingWg.Wait()
	close(closeChan)
	s.workerWg.Wait()
	return nil
}
