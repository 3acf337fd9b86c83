// ABOUTME: Playback-rate (APS) synchronization engine package
// ABOUTME: Keeps two TWS earbuds phase-aligned by stepping a discrete rate actuator
// Package aps implements the playback-rate synchronization engine of a
// true-wireless-stereo earbud pair.
//
// The engine owns one session's worth of state and drives an 8-step rate
// actuator from two feedback paths: buffer occupancy (the level controller,
// called once per output interval) and link-reported phase error (the phase
// aligner, called by the link service). A fault supervisor escalates drift,
// decode errors and underruns to a link restart.
//
// Collaborators are injected at construction:
//
//	eng, err := aps.New(aps.DefaultConfig(), aps.Deps{
//		Output: pipeline,
//		Link:   link,
//		Clock:  aps.NewSystemClock(),
//	})
//	if err := eng.Init(aps.SessionContext{Mode: aps.ModeFull}); err != nil {
//		return err
//	}
//	defer eng.Deinit()
//
//	// once per output interval
//	eng.Tick()
package aps
