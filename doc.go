// Package facecapture is the capture-and-recording pipeline of a research
// data-collection client.
//
// It owns a camera, negotiates the fastest format the camera advertises,
// records one video per task with a frame-accurate wall-clock timestamp for
// every written frame, and tracks the average exposure over a capture session.
//
// # Quick Start
//
//	dev, _ := device.Open(device.Options{Kind: device.KindAuto, Source: "/dev/video0"})
//
//	p, err := facecapture.New(facecapture.Options{
//	    Device:    dev,
//	    OutputDir: "/var/lib/facecapture",
//	    Writer:    writer.Options{Container: writer.ContainerMP4},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//
//	if err := p.Start(ctx); err != nil {
//	    log.Fatal(err) // *PermissionError when the camera is denied
//	}
//
//	target, _ := p.StartRecordingForTask("plr")
//	time.Sleep(5 * time.Second)
//	res, err := p.StopRecording(ctx)
//	// res.Target == target, res.FrameTimestamps holds one entry per frame
//
//	avg, ok := p.Stop()
//
// # Threads
//
//   - The device delivers frames on its own goroutine. The callback only
//     copies the pixels and offers them to the frame queue.
//   - The frame queue worker does all blocking work: writer appends,
//     exposure sampling and preview conversion. It is the only caller of
//     TaskRecorder.Process.
//   - A state owner goroutine is the only writer of PublishedState. Other
//     goroutines send it closures.
//
// # Backpressure
//
// Frames are dropped, never queued without bound:
//
//   - Queue full: the newest frame is dropped (Stats.Queue.Dropped).
//   - Writer not ready: the frame is dropped and the timeline does not advance
//     (Stats.Recorder.FramesDropped).
//
// Control operations (start, stop, discard) are never dropped and run after
// every frame that was queued before them.
//
// # Timestamps
//
// Result.FrameTimestamps are wall-clock milliseconds since the Unix epoch,
// strictly increasing, anchored at the first frame of the recording:
//
//	ts = wall(first frame) + (PTS - PTS(first frame))
//
// # Around the pipeline
//
// cmd/capturectl runs a configured task script (internal/config), hands
// finished recordings to internal/delivery (MinIO, Postgres, Kafka) and
// serves health, stats and the live preview through internal/health.
package facecapture
