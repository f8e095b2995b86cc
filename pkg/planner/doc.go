// Package planner decomposes a request into steps and judges step outcomes.
//
// Neither the Planner nor the Evaluator ever returns an error: a failed or
// unparseable model reply degrades to a single-step plan or an assumed
// success so a turn always runs to completion.
package planner
