/*
Package taniwha provides primitives for orchestrating live migrations of
virtual machines between hypervisor nodes.

Taniwha moves running guests from one physical machine to another with
minimal downtime. It drives the QEMU machine protocol for memory and cpu
state, copies block devices over ssh for guests on local storage, and
verifies the result with a battery of health checks before declaring a
migration complete. When anything goes wrong it walks a fixed rollback
plan to put the guest back where it started.

Data Model

A MigrationJob tracks a single guest move from a source node to a target
node. A job walks a fixed set of states and ends in exactly one of
completed, failed, or cancelled.

A Manager owns the jobs. It enforces a concurrency limit across the
cluster, admits new jobs, and drives each one to a terminal state.

A Monitor is a connection to a guest's QEMU machine protocol socket. The
manager uses it to start, pace, and observe the memory transfer.

A NodeRunner executes commands on hypervisor nodes. Everything that is
not QEMU machine protocol (virsh, qemu-img, rsync) goes through it.
*/
package taniwha
