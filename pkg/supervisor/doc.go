// Package supervisor runs the branch fleet: one connection session per
// configured branch, each watched by its own monitor goroutine. The monitor
// probes health on the branch's schedule, executes the reconnection
// policy's decisions after disconnects, and escalates to failover when a
// branch exhausts its failure budget. Branches recover independently; a
// hung or flapping branch never delays the others.
package supervisor
