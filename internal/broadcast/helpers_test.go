package broadcast

import logx "cheersbot/pkg/logx"

func nopLog() logx.Logger { return logx.Nop() }
