package types

import (
	"time"
)

// Syncable table names. Each entity type maps to exactly one table, both in the
// local store and on the remote backend.
const (
	TableHabits             = "habits"
	TableCompletions        = "completions"
	TableGoals              = "goals"
	TableMilestones         = "milestones"
	TableRoutines           = "routines"
	TableHabitRoutines      = "habit_routines"
	TableRoutineCompletions = "routine_completions"
	TableTasks              = "tasks"
	TableUserSettings       = "user_settings"
)

// DateLayout is the calendar-day format used by Completion dates, deadlines and due dates.
const DateLayout = "2006-01-02"

// Base holds the fields every entity carries.
type Base struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Meta returns the base fields so generic code can stamp ids and timestamps.
func (b *Base) Meta() *Base { return b }

// Entity is implemented by every domain record.
type Entity interface {
	Table() string
	Meta() *Base
}

// HabitCategory classifies a habit.
type HabitCategory string

const (
	CategoryHealth       HabitCategory = "health"
	CategoryFitness      HabitCategory = "fitness"
	CategoryMindfulness  HabitCategory = "mindfulness"
	CategoryLearning     HabitCategory = "learning"
	CategoryProductivity HabitCategory = "productivity"
	CategorySocial       HabitCategory = "social"
	CategoryFinance      HabitCategory = "finance"
	CategoryCreativity   HabitCategory = "creativity"
	CategoryOther        HabitCategory = "other"
)

// HabitCategories lists the valid habit categories.
var HabitCategories = []string{
	string(CategoryHealth), string(CategoryFitness), string(CategoryMindfulness),
	string(CategoryLearning), string(CategoryProductivity), string(CategorySocial),
	string(CategoryFinance), string(CategoryCreativity), string(CategoryOther),
}

// Habit is a recurring behaviour the user tracks.
type Habit struct {
	Base
	Name              string        `json:"name"`
	Category          HabitCategory `json:"category"`
	TargetDaysPerWeek int           `json:"target_days_per_week"`
	Icon              *string       `json:"icon"`
	Archived          bool          `json:"archived"`
	ArchivedAt        *time.Time    `json:"archived_at"`
	DisplayOrder      int           `json:"display_order"`
}

func (Habit) Table() string { return TableHabits }

// Completion records a habit being done on a calendar day.
type Completion struct {
	Base
	HabitID   string  `json:"habit_id"`
	Date      string  `json:"date"`
	Completed bool    `json:"completed"`
	Note      *string `json:"note"`
}

func (Completion) Table() string { return TableCompletions }

// AreaOfLife classifies a goal.
type AreaOfLife string

const (
	AreaHealth        AreaOfLife = "health"
	AreaCareer        AreaOfLife = "career"
	AreaRelationships AreaOfLife = "relationships"
	AreaPersonal      AreaOfLife = "personal"
	AreaFinance       AreaOfLife = "finance"
	AreaLearning      AreaOfLife = "learning"
	AreaOther         AreaOfLife = "other"
)

var AreasOfLife = []string{
	string(AreaHealth), string(AreaCareer), string(AreaRelationships), string(AreaPersonal),
	string(AreaFinance), string(AreaLearning), string(AreaOther),
}

// Priority is shared by goals and tasks. Only tasks use PriorityUrgent.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var GoalPriorities = []string{string(PriorityLow), string(PriorityMedium), string(PriorityHigh)}

var TaskPriorities = []string{string(PriorityLow), string(PriorityMedium), string(PriorityHigh), string(PriorityUrgent)}

// GoalStatus is the progress state of a goal.
type GoalStatus string

const (
	GoalNotStarted GoalStatus = "not_started"
	GoalInProgress GoalStatus = "in_progress"
	GoalCompleted  GoalStatus = "completed"
	GoalOnHold     GoalStatus = "on_hold"
)

var GoalStatuses = []string{string(GoalNotStarted), string(GoalInProgress), string(GoalCompleted), string(GoalOnHold)}

// MaxFocusGoals is the number of non-archived goals an owner may focus on at once.
const MaxFocusGoals = 2

// Goal is a longer-term objective broken into milestones.
type Goal struct {
	Base
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	AreaOfLife  AreaOfLife `json:"area_of_life"`
	Priority    Priority   `json:"priority"`
	Status      GoalStatus `json:"status"`
	StartDate   *string    `json:"start_date"`
	Deadline    *string    `json:"deadline"`
	IsFocus     bool       `json:"is_focus"`
	Archived    bool       `json:"archived"`
	ArchivedAt  *time.Time `json:"archived_at"`
}

func (Goal) Table() string { return TableGoals }

// Milestone is a checkpoint within a goal.
type Milestone struct {
	Base
	GoalID       string     `json:"goal_id"`
	Title        string     `json:"title"`
	Completed    bool       `json:"completed"`
	CompletedAt  *time.Time `json:"completed_at"`
	DisplayOrder int        `json:"display_order"`
}

func (Milestone) Table() string { return TableMilestones }

// TriggerType says what starts a routine.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerTime     TriggerType = "time"
	TriggerLocation TriggerType = "location"
)

var TriggerTypes = []string{string(TriggerManual), string(TriggerTime), string(TriggerLocation)}

// Routine is an ordered group of habits performed together.
type Routine struct {
	Base
	Title        string      `json:"title"`
	Description  *string     `json:"description"`
	TriggerType  TriggerType `json:"trigger_type"`
	TriggerValue *string     `json:"trigger_value"`
	IsActive     bool        `json:"is_active"`
	DisplayOrder int         `json:"display_order"`
}

func (Routine) Table() string { return TableRoutines }

// HabitRoutine links a habit into a routine. The (habit, routine) pair is unique.
type HabitRoutine struct {
	Base
	HabitID      string `json:"habit_id"`
	RoutineID    string `json:"routine_id"`
	DisplayOrder int    `json:"display_order"`
}

func (HabitRoutine) Table() string { return TableHabitRoutines }

// RoutineCompletion records a routine being run through on a calendar day.
type RoutineCompletion struct {
	Base
	RoutineID string  `json:"routine_id"`
	Date      string  `json:"date"`
	Note      *string `json:"note"`
}

func (RoutineCompletion) Table() string { return TableRoutineCompletions }

// TaskStatus is the board column of a task.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskArchived   TaskStatus = "archived"
)

var TaskStatuses = []string{string(TaskTodo), string(TaskInProgress), string(TaskDone), string(TaskArchived)}

// Task is a unit of work, optionally nested under a parent task.
type Task struct {
	Base
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	Priority     Priority   `json:"priority"`
	DueDate      *string    `json:"due_date"`
	GoalID       *string    `json:"goal_id"`
	ParentTaskID *string    `json:"parent_task_id"`
	Depth        int        `json:"depth"`
	Tags         []string   `json:"tags"`
	Metadata     Value      `json:"metadata"`
}

func (Task) Table() string { return TableTasks }

// Theme is the UI colour scheme preference.
type Theme string

const (
	ThemeSystem Theme = "system"
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
)

var Themes = []string{string(ThemeSystem), string(ThemeLight), string(ThemeDark)}

// UserSettings holds per-owner preferences and gamification counters.
type UserSettings struct {
	Base
	Theme           Theme         `json:"theme"`
	DisplayName     string        `json:"display_name"`
	WeekStartsOn    int           `json:"week_starts_on"`
	DefaultCategory HabitCategory `json:"default_category"`
	XP              int           `json:"xp"`
	Level           int           `json:"level"`
	Gems            int           `json:"gems"`
	StreakShield    int           `json:"streak_shield"`
	AvatarID        *string       `json:"avatar_id"`
}

func (UserSettings) Table() string { return TableUserSettings }

// Ptr returns a pointer to v. Handy for optional fields.
func Ptr[T any](v T) *T { return &v }
