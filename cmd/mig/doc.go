/*
mig is the command line interface to cmigrationd, the vm migration
orchestration service. mig can start, list, cancel, and inspect
migrations, along with their rollback and health reports.

Usage

The following arguments are understood:

	Usage:
	mig [flags]
	mig [command]

	Available Commands:
	list        List the migration jobs
	active      List the migrations currently running
	start       Start migrations
	cancel      Cancel migrations
	stats       Show migration transfer statistics
	health      Show post-migration health reports
	rollback    Show rollback reports
	config      Get or modify migration policy
	help        Help about any command

	Flags:
	-h, --help=false: help for mig
	-j, --jsonout=false: output in json
	-s, --server="http://localhost:19000/": server address to connect to


	Use "mig help [command]" for more information about a command.

Output

Job commands support two output formats, a list of job ids or a list of
JSON objects, line separated. Report commands always print JSON.

Examples

Start a migration

	$ mig start '{"vm":"2bc2e856-8e79-4b83-9681-2eae31718275","source":"hv-01","target":"hv-02","kind":"live","memory_mb":2048,"cpus":2,"disks":[{"path":"/var/lib/libvirt/images/vm-2bc2e856.qcow2","format":"qcow2"}]}'
	a18d2ad3-64ed-47cd-9b3b-733542b9b51c

List migrations

	$ mig list
	1d1af312-1100-49e2-b3ad-09532ffc4e77
	a18d2ad3-64ed-47cd-9b3b-733542b9b51c

	$ mig list -j a18d2ad3-64ed-47cd-9b3b-733542b9b51c
	{"created_at":"2015-11-04T21:35:09Z","cpus":2,"id":"a18d2ad3-64ed-47cd-9b3b-733542b9b51c","kind":"live","memory_mb":2048,"source":"hv-01","state":"transferring","target":"hv-02","vm":"2bc2e856-8e79-4b83-9681-2eae31718275"}

Cancel a migration

	$ mig cancel a18d2ad3-64ed-47cd-9b3b-733542b9b51c
	a18d2ad3-64ed-47cd-9b3b-733542b9b51c

Trigger a rollback of a failed migration

	$ mig rollback --run a18d2ad3-64ed-47cd-9b3b-733542b9b51c
	{"completed_at":"2015-11-04T21:40:12Z","job_id":"a18d2ad3-64ed-47cd-9b3b-733542b9b51c","steps":[...]}

Policy

	$ mig config
	{"bandwidth_limit":0,"downtime_ms":300,"max_concurrent":2}

	$ mig config '{"max_concurrent":4}'
	{"bandwidth_limit":0,"downtime_ms":300,"max_concurrent":4}
*/
package main
