package calendar

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wordflow/autopilot/internal/entity"
	"github.com/wordflow/autopilot/internal/logger"
)

func date(s string) entity.Date {
	d, err := entity.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func writeHolidays(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestCalendar(t *testing.T, content string) *Calendar {
	t.Helper()
	path := filepath.Join(t.TempDir(), "holidays.json")
	if content != "" {
		writeHolidays(t, path, content)
	}
	cal, err := New(path, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(cal.Close)
	return cal
}

func TestIsBusinessDay_Weekends(t *testing.T) {
	cal := newTestCalendar(t, "")

	assert.False(t, cal.IsBusinessDay(date("2026-01-31")), "Saturday")
	assert.False(t, cal.IsBusinessDay(date("2026-02-01")), "Sunday")
	assert.True(t, cal.IsBusinessDay(date("2026-02-02")), "Monday")
}

func TestIsBusinessDay_ExtraHoliday(t *testing.T) {
	cal := newTestCalendar(t, `{"extraHolidays":["2026-01-29"],"workingHolidays":[]}`)

	assert.False(t, cal.IsBusinessDay(date("2026-01-29")))
	assert.True(t, cal.IsBusinessDay(date("2026-01-30")))
}

func TestIsBusinessDay_WorkingHolidayOverridesExtra(t *testing.T) {
	cal := newTestCalendar(t, `{"extraHolidays":["2026-01-29"],"workingHolidays":["2026-01-29"]}`)

	assert.True(t, cal.IsBusinessDay(date("2026-01-29")))
}

func TestIsBusinessDay_WorkingHolidayNeverRescuesWeekend(t *testing.T) {
	cal := newTestCalendar(t, `{"extraHolidays":[],"workingHolidays":["2026-01-31"]}`)

	assert.False(t, cal.IsBusinessDay(date("2026-01-31")), "Saturday stays non-working")
}

func TestHolidayName(t *testing.T) {
	cal := newTestCalendar(t, `{"extraHolidays":["2026-12-25"],"workingHolidays":[],"names":{"2026-12-25":"Christmas Day"}}`)

	assert.Equal(t, "Christmas Day", cal.HolidayName(date("2026-12-25")))
	assert.Equal(t, "", cal.HolidayName(date("2026-12-24")))
}

func TestIsBusinessDay_MissingFileMeansNoHolidays(t *testing.T) {
	cal := newTestCalendar(t, "")
	assert.True(t, cal.IsBusinessDay(date("2026-01-28")))
}

func TestReloadPicksUpEditedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "holidays.json")
	writeHolidays(t, path, `{"extraHolidays":[],"workingHolidays":[]}`)
	cal, err := New(path, logger.Nop())
	require.NoError(t, err)
	defer cal.Close()

	require.True(t, cal.IsBusinessDay(date("2026-01-29")))

	writeHolidays(t, path, `{"extraHolidays":["2026-01-29"],"workingHolidays":[]}`)
	// Push the mtime forward so the staleness check fires even on coarse
	// filesystem clocks.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	assert.Eventually(t, func() bool {
		return !cal.IsBusinessDay(date("2026-01-29"))
	}, 3*time.Second, 50*time.Millisecond)
}
