package domain

// DailyReport records one day's work for one user. The (UserID, Date) pair is
// the logical key; Save upserts on it so a day is never duplicated.
// Hour fields are free text, matching what users actually type ("4h", "半天").
type DailyReport struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	Date           string `json:"date"`
	TaskID         string `json:"task_id,omitempty"`
	TaskName       string `json:"task_name,omitempty"`
	ShouldComplete string `json:"should_complete,omitempty"`
	Completed      string `json:"completed,omitempty"`
	Uncompleted    string `json:"uncompleted,omitempty"`
	PlanHours      string `json:"plan_hours,omitempty"`
	ActualHours    string `json:"actual_hours,omitempty"`
	Remarks        string `json:"remarks,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

// WeeklyReport aggregates the daily reports whose date falls in
// [StartDate, EndDate]. Keyed by (UserID, StartDate, EndDate).
type WeeklyReport struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	StartDate      string `json:"start_date"`
	EndDate        string `json:"end_date"`
	Summary        string `json:"summary,omitempty"`
	CompletedTasks string `json:"completed_tasks,omitempty"`
	NextWeekPlan   string `json:"next_week_plan,omitempty"`
	Issues         string `json:"issues,omitempty"`
	Remarks        string `json:"remarks,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

// Project groups tasks. Archived projects stay readable but are hidden from
// active listings.
type Project struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	IsArchived  bool   `json:"is_archived"`
}
