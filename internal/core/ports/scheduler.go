package ports

type SchedulerService interface {
	Start()
	Stop()

	// ScheduleTask runs task every interval seconds. Runs of the same task
	// never overlap.
	ScheduleTask(interval int64, immediate bool, task func()) error
}
