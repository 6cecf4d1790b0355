// Package gohomp offloads loops over multi-dimensional arrays to a set of
// compute devices arranged in a logical topology.
//
// The work lives in the subpackages:
//
//	device     device descriptions, the registry and the backend Ops interface
//	device/sim in-process simulated devices with discrete or unified memory
//	occa       an Ops backend on libocca (Serial, OpenMP, CUDA, HIP, OpenCL)
//	topology   Cartesian device grids, coordinates and neighbours
//	halo       halo row geometry and host relays between devices
//	offload    data maps, distribution policies, offloads and the runtime
//
// Basic usage:
//
//	rt := offload.NewRuntime(reg, sim.New())
//	a, err := rt.NewStraightDataMapInfo(offload.DataMapConfig{...}, offload.Block)
//	info, err := rt.NewOffloadingInfo(offload.OffloadingConfig{...})
//	err = rt.Run(ctx, info)
//
// See examples/ for complete programs.
package gohomp
